package bloom

import (
	"testing"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	for id := int64(1); id <= 1000; id++ {
		f.Add(id)
	}
	for id := int64(1); id <= 1000; id++ {
		if !f.MightContain(id) {
			t.Fatalf("false negative for entity %d", id)
		}
	}
}

func TestAbsentEntitiesMostlyRejected(t *testing.T) {
	f := New(1000, 0.01)
	for id := int64(1); id <= 1000; id++ {
		f.Add(id)
	}

	falsePositives := 0
	const probes = 10000
	for id := int64(100000); id < 100000+probes; id++ {
		if f.MightContain(id) {
			falsePositives++
		}
	}
	// Target FPR is 1%; allow generous slack.
	if rate := float64(falsePositives) / probes; rate > 0.05 {
		t.Errorf("false positive rate %.3f exceeds 0.05", rate)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	f := New(200, 0.01)
	ids := []int64{1, 7, 42, 99999, -5}
	for _, id := range ids {
		f.Add(id)
	}

	restored, err := Deserialize(f.Serialize())
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if restored.Count() != f.Count() {
		t.Errorf("count = %d, want %d", restored.Count(), f.Count())
	}
	for _, id := range ids {
		if !restored.MightContain(id) {
			t.Errorf("restored filter lost entity %d", id)
		}
	}
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	if _, err := Deserialize([]byte{0x01, 0x02}); err == nil {
		t.Error("garbage input should fail to deserialize")
	}
}

func TestOptimalParametersBounds(t *testing.T) {
	bits, hashes := optimalParameters(0, 2.0)
	if bits < 64 || hashes < 1 {
		t.Errorf("degenerate inputs should fall back to sane parameters, got bits=%d hashes=%d", bits, hashes)
	}
}
