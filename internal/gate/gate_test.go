package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benvon/dermin/internal/models"
)

func allFacts() []Facts {
	var out []Facts
	for _, a := range []bool{false, true} {
		for _, c := range []bool{false, true} {
			for _, s := range []bool{false, true} {
				out = append(out, Facts{Authenticated: a, ConsentAccepted: c, SurveyCompleted: s})
			}
		}
	}
	return out
}

func TestResolve_FixedPoint(t *testing.T) {
	t.Parallel()

	for _, f := range allFacts() {
		for _, step := range models.AllSteps {
			target := Resolve(step, f)
			assert.Contains(t, models.AllSteps, target)
			assert.Equal(t, target, Resolve(target, f), "facts=%+v requested=%s", f, step)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	fresh := Facts{Authenticated: true}
	consented := Facts{Authenticated: true, ConsentAccepted: true}
	onboarded := Facts{Authenticated: true, ConsentAccepted: true, SurveyCompleted: true}

	tests := []struct {
		name      string
		requested models.Step
		facts     Facts
		want      models.Step
	}{
		{name: "anonymous protected", requested: models.StepDashboard, facts: Facts{}, want: models.StepLogin},
		{name: "anonymous register", requested: models.StepRegister, facts: Facts{}, want: models.StepRegister},
		{name: "anonymous login", requested: models.StepLogin, facts: Facts{}, want: models.StepLogin},
		{name: "new user dashboard", requested: models.StepDashboard, facts: fresh, want: models.StepConsent},
		{name: "new user survey", requested: models.StepSurvey, facts: fresh, want: models.StepConsent},
		{name: "new user chat", requested: models.StepChat, facts: fresh, want: models.StepConsent},
		{name: "consented dashboard", requested: models.StepDashboard, facts: consented, want: models.StepSurvey},
		{name: "consented consent", requested: models.StepConsent, facts: consented, want: models.StepSurvey},
		{name: "consented survey", requested: models.StepSurvey, facts: consented, want: models.StepSurvey},
		{name: "onboarded consent", requested: models.StepConsent, facts: onboarded, want: models.StepDashboard},
		{name: "onboarded survey", requested: models.StepSurvey, facts: onboarded, want: models.StepDashboard},
		{name: "onboarded analyze", requested: models.StepAnalyze, facts: onboarded, want: models.StepAnalyze},
		{name: "onboarded login", requested: models.StepLogin, facts: onboarded, want: models.StepDashboard},
		{name: "survey without consent", requested: models.StepDashboard, facts: Facts{Authenticated: true, SurveyCompleted: true}, want: models.StepConsent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Resolve(tt.requested, tt.facts))
		})
	}
}

func TestGranted(t *testing.T) {
	t.Parallel()
	assert.True(t, Granted(models.StepChat, Facts{Authenticated: true, ConsentAccepted: true, SurveyCompleted: true}))
	assert.False(t, Granted(models.StepChat, Facts{Authenticated: true}))
}

func TestNavigator_CachesUntilInvalidated(t *testing.T) {
	var calls atomic.Int32
	facts := Facts{Authenticated: true}
	nav := NewNavigator(FactSourceFunc(func(context.Context) (Facts, error) {
		calls.Add(1)
		return facts, nil
	}), nil)
	ctx := context.Background()

	d, err := nav.Navigate(ctx, models.StepDashboard)
	require.NoError(t, err)
	assert.Equal(t, models.StepConsent, d.Target)
	assert.False(t, d.Granted)

	facts = Facts{Authenticated: true, ConsentAccepted: true, SurveyCompleted: true}
	d, err = nav.Navigate(ctx, models.StepDashboard)
	require.NoError(t, err)
	assert.Equal(t, models.StepConsent, d.Target, "cached facts are used until invalidation")
	assert.Equal(t, int32(1), calls.Load())

	nav.Invalidate(EventSurveyCompleted)
	d, err = nav.Navigate(ctx, models.StepDashboard)
	require.NoError(t, err)
	assert.Equal(t, models.StepDashboard, d.Target)
	assert.True(t, d.Granted)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNavigator_FactsErrorSendsToLogin(t *testing.T) {
	nav := NewNavigator(FactSourceFunc(func(context.Context) (Facts, error) {
		return Facts{}, errors.New("backend down")
	}), nil)

	d, err := nav.Navigate(context.Background(), models.StepAnalyze)
	require.Error(t, err)
	assert.Equal(t, models.StepLogin, d.Target)
	assert.False(t, d.Granted)
}

func TestNavigator_ProvisionalFactsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	nav := NewNavigator(FactSourceFunc(func(context.Context) (Facts, error) {
		if calls.Add(1) == 1 {
			return Facts{Authenticated: true, ConsentAccepted: true, Provisional: true}, nil
		}
		return Facts{Authenticated: true, ConsentAccepted: true, SurveyCompleted: true}, nil
	}), nil)
	ctx := context.Background()

	d, err := nav.Navigate(ctx, models.StepDashboard)
	require.NoError(t, err)
	assert.Equal(t, models.StepSurvey, d.Target)
	assert.True(t, d.Facts.Provisional)

	for i := 0; i < 2; i++ {
		d, err = nav.Navigate(ctx, models.StepDashboard)
		require.NoError(t, err)
		assert.Equal(t, models.StepDashboard, d.Target)
		assert.True(t, d.Granted)
	}
	assert.Equal(t, int32(2), calls.Load(), "confirmed facts are cached")
}
