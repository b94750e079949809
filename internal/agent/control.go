package agent

import "github.com/aristath/forager/internal/domain"

// Command is a one-shot operator instruction to the cognitive loop.
type Command string

const (
	CommandPause         Command = "pause"
	CommandResume        Command = "resume"
	CommandForceTrade    Command = "force_trade"
	CommandForceObserve  Command = "force_observe"
	CommandEmergencyStop Command = "emergency_stop"
)

// Commands returns every accepted command, in a stable order.
func Commands() []Command {
	return []Command{
		CommandPause,
		CommandResume,
		CommandForceTrade,
		CommandForceObserve,
		CommandEmergencyStop,
	}
}

// Control is one operator command with an optional reason. It is the
// JSON body accepted by POST /api/control.
type Control struct {
	Command Command `json:"command"`
	Reason  string  `json:"reason,omitempty"`
}

// Validate rejects commands outside the closed set.
func (c Control) Validate() error {
	for _, known := range Commands() {
		if c.Command == known {
			return nil
		}
	}
	return domain.Errorf(domain.KindConfig, "unknown control command %q", c.Command)
}
