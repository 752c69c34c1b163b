package saga

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestRun_CompensatesPriorStepsInReverse(t *testing.T) {
	for k := 1; k <= 5; k++ {
		k := k
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			var undone []string
			steps := make([]Step, 5)
			for i := range steps {
				name := fmt.Sprintf("step-%d", i+1)
				fail := i+1 == k
				steps[i] = Step{
					Name: name,
					Do: func(context.Context) error {
						if fail {
							return errors.New("boom")
						}
						return nil
					},
					Compensate: func(context.Context) error {
						undone = append(undone, name)
						return nil
					},
				}
			}

			res := Run(context.Background(), steps)
			if res.Err == nil || res.FailedStep != fmt.Sprintf("step-%d", k) {
				t.Fatalf("unexpected result %+v", res)
			}
			if len(undone) != k-1 {
				t.Fatalf("expected %d compensations, got %v", k-1, undone)
			}
			for i, name := range undone {
				want := fmt.Sprintf("step-%d", k-1-i)
				if name != want {
					t.Fatalf("compensation %d = %s, want %s", i, name, want)
				}
			}
			if len(res.Compensated) != len(undone) {
				t.Fatalf("reported %v, ran %v", res.Compensated, undone)
			}
			for i := range undone {
				if res.Compensated[i] != undone[i] {
					t.Fatalf("reported %v, ran %v", res.Compensated, undone)
				}
			}
		})
	}
}

func TestCompensations_UnwindEmptyStack(t *testing.T) {
	var c Compensations
	ran, err := c.Unwind(context.Background())
	if err != nil || ran != nil {
		t.Fatalf("expected nothing to run, got %v, %v", ran, err)
	}
}

func TestRun_SuccessRunsNoCompensation(t *testing.T) {
	called := false
	res := Run(context.Background(), []Step{{
		Name:       "only",
		Do:         func(context.Context) error { return nil },
		Compensate: func(context.Context) error { called = true; return nil },
	}})
	if res.Err != nil || called {
		t.Fatalf("unexpected result %+v, compensated=%v", res, called)
	}
}

func TestCompensations_UnwindContinuesAfterFailure(t *testing.T) {
	var comps Compensations
	var ran []string
	comps.Register("first", func(context.Context) error { ran = append(ran, "first"); return nil })
	comps.Register("second", func(context.Context) error { ran = append(ran, "second"); return errors.New("stuck") })
	comps.Register("third", func(context.Context) error { ran = append(ran, "third"); return nil })

	names, err := comps.Unwind(context.Background())
	if !errors.Is(err, ErrCompensation) {
		t.Fatalf("expected compensation error, got %v", err)
	}
	want := []string{"third", "second", "first"}
	if !reflect.DeepEqual(ran, want) || !reflect.DeepEqual(names, want) {
		t.Fatalf("expected %v, ran %v reported %v", want, ran, names)
	}
	if comps.Len() != 0 {
		t.Fatalf("expected empty stack after unwind")
	}
}
