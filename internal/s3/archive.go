package s3

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/samber/lo"

	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
)

// Archive keeps finished artifacts and their job records under a prefix,
// laid out as <prefix>YYYY/MM/DD/<job id>.{mp4,json}.
type Archive struct {
	client Client
	prefix string
	log    *logging.Logger
	now    func() time.Time
}

func NewArchive(client Client, prefix string, log *logging.Logger) *Archive {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archive{client: client, prefix: prefix, log: log, now: time.Now}
}

// Key returns the artifact key for a job finished at t.
func (a *Archive) Key(jobID string, t time.Time) string {
	return a.prefix + path.Join(t.UTC().Format("2006/01/02"), jobID+".mp4")
}

// Archive uploads the artifact and then the job record next to it.
func (a *Archive) Archive(ctx context.Context, job model.MediaJob) (string, error) {
	if job.Result == nil {
		return "", errors.New("job has no result")
	}
	key := a.Key(job.ID, a.now())
	if err := a.client.PutFile(ctx, key, job.Result.Path, "video/mp4"); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	res := *job.Result
	res.ArchiveKey = key
	job.Result = &res
	recordKey := strings.TrimSuffix(key, ".mp4") + ".json"
	if err := a.client.WriteJSON(ctx, recordKey, job); err != nil {
		return key, fmt.Errorf("write %s: %w", recordKey, err)
	}
	a.log.Infof("archive: job %s stored at %s (%d bytes)", job.ID, key, job.Result.SizeBytes)
	return key, nil
}

// Records lists the archived job records.
func (a *Archive) Records(ctx context.Context) ([]ObjectInfo, error) {
	objects, err := a.client.List(ctx, a.prefix)
	if err != nil {
		return nil, err
	}
	return lo.Filter(objects, func(o ObjectInfo, _ int) bool { return strings.HasSuffix(o.Key, ".json") }), nil
}

// DeleteOlderThan removes every object under the prefix last modified more
// than maxAge ago. Delete failures are logged and skipped.
func (a *Archive) DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	objects, err := a.client.List(ctx, a.prefix)
	if err != nil {
		return 0, err
	}
	cutoff := a.now().Add(-maxAge)
	deleted := 0
	for _, obj := range objects {
		if obj.LastModified.IsZero() || !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := a.client.Delete(ctx, obj.Key); err != nil {
			a.log.Errorf("archive: delete %s: %v", obj.Key, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
