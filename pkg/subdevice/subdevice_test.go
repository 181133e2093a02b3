package subdevice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailboxCounterWraps(t *testing.T) {
	sd := &SubDevice{}
	// 1..7, then wrap back to 1, zero is never produced
	for round := 0; round < 3; round++ {
		for expected := uint8(1); expected <= 7; expected++ {
			assert.Equal(t, expected, sd.NextMailboxCounter())
		}
	}
}

func TestALStateString(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "OP", StateOp.String())
	assert.Equal(t, "PRE-OP+ERROR", (StatePreOp | StateErrorFlag).String())
	assert.Equal(t, "UNKNOWN", ALState(0x0F).String())
	assert.True(t, (StateSafeOp | StateErrorFlag).HasError())
	assert.False(t, StateSafeOp.HasError())
}

func TestALStatusCode(t *testing.T) {
	assert.Contains(t, ALCodeSyncManagerWatchdog.Error(), "watchdog")
	assert.Contains(t, ALCodeNeedsColdStart.Error(), "cold start")
	// Unknown codes still format
	assert.Contains(t, ALStatusCode(0x7777).Error(), "7777")
}

func TestMailboxProtocols(t *testing.T) {
	mbx := MailboxConfig{Protocols: MailboxProtocolCoe | MailboxProtocolFoe}
	assert.True(t, mbx.SupportsCoe())
	assert.False(t, MailboxConfig{}.SupportsCoe())
}

func TestRegisterHelpers(t *testing.T) {
	assert.EqualValues(t, 0x0800, RegSm(0))
	assert.EqualValues(t, 0x0818, RegSm(3))
	assert.EqualValues(t, 0x0600, RegFmmu(0))
	assert.EqualValues(t, 0x0610, RegFmmu(1))
}
