//go:generate mockgen -source recorder.go -destination ./mock_recorder.go -package resolution Recorder

package resolution

import (
	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/pkg/logger"
)

// Recorder receives every answer a root resolver emits, together with its derivation.
type Recorder interface {
	Record(partial *answer.Partial)
}

type noopRecorder struct{}

// NewNoopRecorder returns a Recorder that discards everything.
func NewNoopRecorder() Recorder {
	return noopRecorder{}
}

func (noopRecorder) Record(*answer.Partial) {}

// AnswerDerivedMessage is the message a LoggingRecorder logs every derivation under.
const AnswerDerivedMessage = "answer derived"

// LoggingRecorder writes the derivation of every answer to a logger at debug level.
type LoggingRecorder struct {
	logger logger.Logger
}

var _ Recorder = (*LoggingRecorder)(nil)

func NewLoggingRecorder(l logger.Logger) *LoggingRecorder {
	return &LoggingRecorder{logger: l}
}

func (r *LoggingRecorder) Record(partial *answer.Partial) {
	provenance := partial.Provenance()
	steps := make([]string, 0, len(provenance))
	for _, p := range provenance {
		steps = append(steps, p.String())
	}
	r.logger.Debug(AnswerDerivedMessage,
		zap.Stringer("answer", partial.ConceptMap()),
		zap.Strings("derivation", steps),
	)
}
