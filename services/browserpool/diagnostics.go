package browserpool

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// DiagnosticsArchiver records a diagnostic note for an instance that
// exceeded its restart budget (spec.md §4.C.2 / SPEC_FULL.md §4.J),
// adapting the teacher's S3UploadManager single-object-upload pattern.
// The adapter passes a fixed description of the failure as tail; the
// browser process's stderr output is not captured or archived.
type DiagnosticsArchiver interface {
	Archive(slotID int, tail string)
}

// noopArchiver only logs, used when DIAGNOSTICS_S3_BUCKET is unset.
type noopArchiver struct{ log *zap.Logger }

func (a noopArchiver) Archive(slotID int, tail string) {
	a.log.Warn("browserpool: instance exceeded restart budget", zap.Int("slot_id", slotID), zap.String("stderr_tail", tail))
}

type s3Archiver struct {
	uploader *s3manager.Uploader
	bucket   string
	log      *zap.Logger
}

// NewDiagnosticsArchiver returns a logging-only archiver when bucket is
// empty, otherwise one that also best-effort uploads to S3. Never blocks
// pool-lock-held code: callers run this after the lock is released.
func NewDiagnosticsArchiver(bucket string, log *zap.Logger) DiagnosticsArchiver {
	if strings.TrimSpace(bucket) == "" {
		return noopArchiver{log: log}
	}
	sess := session.Must(session.NewSession(&aws.Config{Region: aws.String("us-east-1")}))
	return &s3Archiver{
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
		log:      log,
	}
}

func (a *s3Archiver) Archive(slotID int, tail string) {
	a.log.Warn("browserpool: instance exceeded restart budget, archiving diagnostics", zap.Int("slot_id", slotID))

	key := fmt.Sprintf("diagnostics/%d/%d.log", slotID, time.Now().Unix())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(tail)),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		a.log.Warn("browserpool: diagnostics upload failed", zap.Error(err))
	}
}
