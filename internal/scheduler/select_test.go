package scheduler

import "testing"

func TestSelectRealisationExplicitCloudWins(t *testing.T) {
	d := SelectRealisation(ResourceHint{Steps: 10, RequestQueue: true, RequestCloud: true})
	if d.Kind != "cloud-batch" {
		t.Fatalf("expected cloud-batch, got %s", d.Kind)
	}
}

func TestSelectRealisationHighStepsGoesToQueue(t *testing.T) {
	d := SelectRealisation(ResourceHint{Steps: LocalStepsMax + 1})
	if d.Kind != "slurm" {
		t.Fatalf("expected slurm for high step count, got %s", d.Kind)
	}
}

func TestSelectRealisationDefaultsLocal(t *testing.T) {
	d := SelectRealisation(ResourceHint{Steps: 10})
	if d.Kind != "local" {
		t.Fatalf("expected local, got %s", d.Kind)
	}
}
