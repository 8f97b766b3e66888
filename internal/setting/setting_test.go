package setting

import (
	"errors"
	"testing"

	"github.com/caldera-sim/simforge/internal/errs"
)

func TestResolveUnknownTask(t *testing.T) {
	_, err := Resolve(DriverSetting{Task: "bogus"})
	var ut *errs.UnknownTask
	if !errors.As(err, &ut) {
		t.Fatalf("expected UnknownTask, got %v", err)
	}
}

func TestResolveMinStepsZeroBecomesSPC(t *testing.T) {
	ds, err := Resolve(DriverSetting{
		Task:   TaskMin,
		Common: Common{Steps: 0},
		Min:    &MinParams{MinStyle: "bfgs", Fmax: 0.05},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ds.Task != TaskSPC {
		t.Fatalf("expected steps=0 min to become spc, got %s", ds.Task)
	}
	if !ds.IsSinglePoint() {
		t.Fatalf("expected IsSinglePoint true")
	}
}

func TestResolveMDRequiresTimestep(t *testing.T) {
	_, err := Resolve(DriverSetting{
		Task: TaskMD,
		MD:   &MDParams{MDStyle: MDStyleNVT},
	})
	var ce *errs.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestResolveRxnRequiresTwoImages(t *testing.T) {
	_, err := Resolve(DriverSetting{
		Task: TaskRxn,
		Rxn:  &RxnParams{NImages: 1},
	})
	if err == nil {
		t.Fatalf("expected error for nimages < 2")
	}
}

func TestResolveDefaultsDumpAndCkptPeriod(t *testing.T) {
	ds, err := Resolve(DriverSetting{
		Task: TaskMin,
		Common: Common{Steps: 10},
		Min:  &MinParams{MinStyle: "bfgs", Fmax: 0.05},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ds.Common.DumpPeriod != 1 || ds.Common.CkptPeriod != 100 {
		t.Fatalf("expected default dump/ckpt periods, got %+v", ds.Common)
	}
}
