package model

import (
	"math"
	"testing"
)

func TestStat_AddAndMerge(t *testing.T) {
	a := NewStat("em")
	a.Add(1)
	a.Add(0)
	b := NewStat("em")
	b.Add(1)

	a.Merge(b)
	if a.Count != 3 || a.Sum != 2 {
		t.Fatalf("Count/Sum = %d/%v, want 3/2", a.Count, a.Sum)
	}
	if *a.Min != 0 || *a.Max != 1 {
		t.Errorf("Min/Max = %v/%v, want 0/1", *a.Min, *a.Max)
	}
	if math.Abs(*a.Mean-2.0/3.0) > 1e-9 {
		t.Errorf("Mean = %v, want 2/3", *a.Mean)
	}
}

func TestMergeStats_ReplacesByName(t *testing.T) {
	old := NewStat("em")
	old.Add(0)
	other := NewStat("f1")
	other.Add(1)
	fresh := NewStat("em")
	fresh.Add(1)

	got := MergeStats([]Stat{old, other}, []Stat{fresh})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Sum != 1 {
		t.Errorf("em stat not replaced: sum = %v", got[0].Sum)
	}
}

func TestMergePerInstanceStats(t *testing.T) {
	em := NewStat("em")
	em.Add(1)
	f1 := NewStat("f1")
	f1.Add(0.5)

	existing := []PerInstanceStats{{InstanceID: "1", Stats: []Stat{em}}}
	incoming := []PerInstanceStats{
		{InstanceID: "1", Stats: []Stat{f1}},
		{InstanceID: "2", Stats: []Stat{em}},
	}
	got := MergePerInstanceStats(existing, incoming)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].InstanceID != "1" || len(got[0].Stats) != 2 {
		t.Errorf("instance 1 = %+v, want two stats", got[0])
	}
	if got[1].InstanceID != "2" {
		t.Errorf("second instance = %q, want 2", got[1].InstanceID)
	}
	if len(existing[0].Stats) != 1 {
		t.Error("input slice was mutated")
	}
}

func TestInstance_CorrectReferences(t *testing.T) {
	inst := Instance{References: []Reference{
		{Output: Output{Text: "a"}, Tags: []string{CorrectTag}},
		{Output: Output{Text: "b"}},
	}}
	refs := inst.CorrectReferences()
	if len(refs) != 1 || refs[0].Output.Text != "a" {
		t.Errorf("CorrectReferences() = %+v", refs)
	}
}

func TestRequestResult_Text(t *testing.T) {
	var r *RequestResult
	if r.HasCompletion() || r.Text() != "" {
		t.Error("nil result should have no completion")
	}
	r = &RequestResult{Completions: []Sequence{{Text: "hi"}}}
	if r.Text() != "hi" {
		t.Errorf("Text() = %q", r.Text())
	}
}
