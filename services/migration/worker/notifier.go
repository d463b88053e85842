package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

// Notifier is the outbound messaging seam. Delivery (e-mail templates,
// providers) lives outside this core; the completion call is the only
// moment the plaintext password and rotation key are handed over.
type Notifier interface {
	PlcVerificationCode(ctx context.Context, m *models.Migration, code string) error
	MigrationCompleted(ctx context.Context, m *models.Migration, password, rotationKey string) error
}

// LogNotifier is the default wiring: it records that a notification was
// due without ever logging the secret values themselves.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifier")}
}

func (n *LogNotifier) PlcVerificationCode(ctx context.Context, m *models.Migration, code string) error {
	n.logger.Info("plc verification code issued",
		zap.Uint("migrationID", m.ID),
		zap.String("email", m.Email),
	)
	return nil
}

func (n *LogNotifier) MigrationCompleted(ctx context.Context, m *models.Migration, password, rotationKey string) error {
	n.logger.Info("migration completion notification due",
		zap.Uint("migrationID", m.ID),
		zap.String("email", m.Email),
		zap.Bool("hasPassword", password != ""),
		zap.Bool("hasRotationKey", rotationKey != ""),
	)
	return nil
}
