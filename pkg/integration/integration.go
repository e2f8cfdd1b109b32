// Package integration defines the hand-off surface for pushing captured run
// output to a third-party provider. The actual provider clients live outside
// the orchestration core; a push succeeds or fails independently of the
// run's terminal status.
package integration

import (
	"context"

	"github.com/theshibabasement/maxun/pkg/models"
)

// Credential is a decrypted integration credential. It exists only
// transiently in memory during a push.
type Credential struct {
	Provider     string
	Email        string
	TargetID     string
	TargetName   string
	AccessToken  string
	RefreshToken string
}

// Pusher delivers a run's output snapshot to one provider.
type Pusher interface {
	Push(ctx context.Context, cred Credential, serializable models.SerializableOutput, binary models.BinaryOutput) error
}

// Logger matches the service logging surface.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LogPusher records the hand-off without contacting any provider. It stands
// in until a real provider client is wired up.
type LogPusher struct {
	Logger Logger
}

func (p LogPusher) Push(ctx context.Context, cred Credential, serializable models.SerializableOutput, binary models.BinaryOutput) error {
	p.Logger.Infof("Pushing %d serializable and %d binary outputs to %s for %s",
		len(serializable), len(binary), cred.Provider, cred.Email)
	return nil
}
