package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizationMachineHappyPathNoConsent(t *testing.T) {
	var persisted []string
	m := NewAuthorizationMachine(func(s string) error {
		persisted = append(persisted, s)
		return nil
	})

	ctx := &Context{
		Palette: []string{"needsConsent", "issuingCode"},
		Data:    map[string]any{"hasSession": true, "sessionFresh": true, "consentRequired": false},
	}

	contract, err := m.Send(ctx, Event{Type: EventSubmit})
	require.NoError(t, err)
	assert.Equal(t, IntentCheckingSession, contract.Intent)

	contract, err = m.Send(ctx, Event{Type: EventSubmit})
	require.NoError(t, err)
	assert.Equal(t, IntentCheckingConsent, contract.Intent)

	contract, err = m.Send(ctx, Event{Type: EventSubmit})
	require.NoError(t, err)
	assert.Equal(t, IntentIssuingCode, contract.Intent)

	contract, err = m.Send(ctx, Event{Type: EventConfirm})
	require.NoError(t, err)
	assert.Equal(t, IntentComplete, contract.Intent)
	assert.Equal(t, "stable", contract.Stability)

	assert.Equal(t, []string{"checkingSession", "checkingConsent", "issuingCode", "complete"}, persisted)
}

func TestAuthorizationMachineRequiresLoginWithoutSession(t *testing.T) {
	m := NewAuthorizationMachine(nil)
	ctx := &Context{Palette: []string{}, Data: map[string]any{"hasSession": false}}

	contract, err := m.Send(ctx, Event{Type: EventSubmit})
	require.NoError(t, err)
	assert.Equal(t, IntentCheckingSession, contract.Intent)

	contract, err = m.Send(ctx, Event{Type: EventSubmit})
	require.NoError(t, err)
	assert.Equal(t, IntentNeedsLogin, contract.Intent)
}

func TestAuthorizationMachineRefusesCapabilityOutsidePalette(t *testing.T) {
	m := NewAuthorizationMachine(nil)
	ctx := &Context{Palette: []string{}, Data: map[string]any{"hasSession": true, "sessionFresh": true, "consentRequired": true}}

	_, err := m.Send(ctx, Event{Type: EventSubmit})
	require.NoError(t, err)
	_, err = m.Send(ctx, Event{Type: EventSubmit})
	require.NoError(t, err)

	_, err = m.Send(ctx, Event{Type: EventSubmit})
	assert.Error(t, err, "needsConsent is not in the palette, so committing to it must fail")
}

func TestAuthenticationMachineSelectsMethod(t *testing.T) {
	m := NewAuthenticationMachine(nil)
	ctx := &Context{Palette: []string{"emailCode"}, Data: map[string]any{"method": "email_code"}}

	_, err := m.Send(ctx, Event{Type: EventSubmit})
	require.NoError(t, err)

	contract, err := m.Send(ctx, Event{Type: EventSubmit})
	require.NoError(t, err)
	assert.Equal(t, IntentEmailCode, contract.Intent)

	contract, err = m.Send(ctx, Event{Type: EventConfirm})
	require.NoError(t, err)
	assert.Equal(t, IntentAuthenticated, contract.Intent)
}

func TestMachineRejectsEventInvalidForState(t *testing.T) {
	m := NewAuthenticationMachine(nil)
	ctx := &Context{Palette: nil, Data: nil}
	_, err := m.Send(ctx, Event{Type: EventApprove})
	assert.Error(t, err)
}
