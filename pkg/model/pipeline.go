package model

import "math"

// CorrectTag marks a reference answer as correct.
const CorrectTag = "correct"

// Input is the raw text of one dataset item.
type Input struct {
	Text string `json:"text"`
}

// Output is the text of one reference answer.
type Output struct {
	Text string `json:"text"`
}

// Reference is one candidate answer for an instance.
type Reference struct {
	Output Output   `json:"output"`
	Tags   []string `json:"tags,omitempty"`
	Weight float64  `json:"weight,omitempty"`
}

// IsCorrect reports whether the reference carries the correct tag.
func (r Reference) IsCorrect() bool {
	for _, t := range r.Tags {
		if t == CorrectTag {
			return true
		}
	}
	return false
}

// Instance is one dataset item.
type Instance struct {
	ID         string      `json:"id,omitempty"`
	Input      Input       `json:"input"`
	References []Reference `json:"references,omitempty"`
	Split      string      `json:"split,omitempty"`
}

// CorrectReferences returns the references tagged as correct.
func (i *Instance) CorrectReferences() []Reference {
	var out []Reference
	for _, r := range i.References {
		if r.IsCorrect() {
			out = append(out, r)
		}
	}
	return out
}

// Message is one chat message of a request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the outbound call sent to a model executor.
type Request struct {
	Messages         []Message `json:"messages"`
	MaxNewTokens     int       `json:"max_new_tokens,omitempty"`
	Temperature      float64   `json:"temperature"`
	TopK             int       `json:"top_k,omitempty"`
	TopP             float64   `json:"top_p,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty,omitempty"`
	StopSequences    []string  `json:"stop_sequences,omitempty"`
}

// Sequence is one generated completion.
type Sequence struct {
	Text           string  `json:"text"`
	Logprob        float64 `json:"logprob,omitempty"`
	InputTokenNum  int     `json:"input_token_num,omitempty"`
	OutputTokenNum int     `json:"output_token_num,omitempty"`
	FinishReason   string  `json:"finish_reason,omitempty"`
}

// RequestResult is what a model executor returns for a request.
type RequestResult struct {
	Completions []Sequence `json:"completions,omitempty"`
	Thought     string     `json:"thought,omitempty"`
	Finish      bool       `json:"finish,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// HasCompletion reports whether the result holds at least one sequence.
func (r *RequestResult) HasCompletion() bool {
	return r != nil && len(r.Completions) > 0
}

// Text returns the text of the first completion, or "".
func (r *RequestResult) Text() string {
	if !r.HasCompletion() {
		return ""
	}
	return r.Completions[0].Text
}

// RequestState carries one item through the pipeline.
type RequestState struct {
	Instance          Instance          `json:"instance"`
	Request           Request           `json:"request"`
	OutputMapping     map[string]string `json:"output_mapping,omitempty"`
	Result            *RequestResult    `json:"result,omitempty"`
	ModelScoreRequest *Request          `json:"model_score_request,omitempty"`
	ModelScoreResult  *RequestResult    `json:"model_score_result,omitempty"`
	Cached            bool              `json:"cached,omitempty"`
	ExtraData         map[string]any    `json:"extra_data,omitempty"`
}

// ScenarioState is the stage-to-stage checkpoint artifact of a unit.
type ScenarioState struct {
	RequestStates []*RequestState `json:"request_states"`
	ExtraConfigs  map[string]any  `json:"extra_configs,omitempty"`
}

// Len returns the number of request states; nil-safe.
func (s *ScenarioState) Len() int {
	if s == nil {
		return 0
	}
	return len(s.RequestStates)
}

// MetricName identifies a statistic.
type MetricName struct {
	Name  string `json:"name"`
	Split string `json:"split,omitempty"`
}

// Stat accumulates values of one metric.
type Stat struct {
	Name       MetricName `json:"name"`
	Count      int        `json:"count"`
	Sum        float64    `json:"sum"`
	SumSquared float64    `json:"sum_squared"`
	Min        *float64   `json:"min,omitempty"`
	Max        *float64   `json:"max,omitempty"`
	Mean       *float64   `json:"mean,omitempty"`
}

// NewStat returns an empty stat for name.
func NewStat(name string) Stat {
	return Stat{Name: MetricName{Name: name}}
}

// Add records one observation.
func (s *Stat) Add(x float64) {
	s.Count++
	s.Sum += x
	s.SumSquared += x * x
	if s.Min == nil || x < *s.Min {
		v := x
		s.Min = &v
	}
	if s.Max == nil || x > *s.Max {
		v := x
		s.Max = &v
	}
	mean := s.Sum / float64(s.Count)
	s.Mean = &mean
}

// Merge folds other into s.
func (s *Stat) Merge(other Stat) {
	if other.Count == 0 {
		return
	}
	s.Count += other.Count
	s.Sum += other.Sum
	s.SumSquared += other.SumSquared
	if other.Min != nil && (s.Min == nil || *other.Min < *s.Min) {
		v := *other.Min
		s.Min = &v
	}
	if other.Max != nil && (s.Max == nil || *other.Max > *s.Max) {
		v := *other.Max
		s.Max = &v
	}
	mean := s.Sum / float64(s.Count)
	s.Mean = &mean
}

// Stddev returns the population standard deviation, or 0 when empty.
func (s *Stat) Stddev() float64 {
	if s.Count == 0 {
		return 0
	}
	mean := s.Sum / float64(s.Count)
	v := s.SumSquared/float64(s.Count) - mean*mean
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// PerInstanceStats holds the stats computed for one instance.
type PerInstanceStats struct {
	InstanceID string `json:"instance_id"`
	Stats      []Stat `json:"stats"`
}

// MergePerInstanceStats merges incoming into existing by instance id and
// stat name. The order of first appearance is preserved.
func MergePerInstanceStats(existing, incoming []PerInstanceStats) []PerInstanceStats {
	index := make(map[string]int, len(existing))
	out := make([]PerInstanceStats, 0, len(existing)+len(incoming))
	for _, p := range existing {
		index[p.InstanceID] = len(out)
		out = append(out, PerInstanceStats{InstanceID: p.InstanceID, Stats: append([]Stat(nil), p.Stats...)})
	}
	for _, p := range incoming {
		i, ok := index[p.InstanceID]
		if !ok {
			index[p.InstanceID] = len(out)
			out = append(out, PerInstanceStats{InstanceID: p.InstanceID, Stats: append([]Stat(nil), p.Stats...)})
			continue
		}
		out[i].Stats = MergeStats(out[i].Stats, p.Stats)
	}
	return out
}

// MergeStats merges incoming into existing: a stat with a name already
// present replaces it, others are appended.
func MergeStats(existing, incoming []Stat) []Stat {
	out := append([]Stat(nil), existing...)
	for _, st := range incoming {
		replaced := false
		for i := range out {
			if out[i].Name == st.Name {
				out[i] = st
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, st)
		}
	}
	return out
}
