package uploader

import (
	"context"

	"go.uber.org/zap"
)

// noneUploader is the sink for projects that extract without delivering,
// e.g. validation runs. Nothing leaves the pipeline and nothing is marked
// exported.
type noneUploader struct {
	log *zap.Logger
}

func (u *noneUploader) UploadDicom(_ context.Context, projectSlug, pseudoStudyUID string, _ []byte) error {
	u.log.Info("delivery disabled for project, keeping study",
		zap.String("project", projectSlug),
		zap.String("pseudo_study_uid", pseudoStudyUID))
	return ErrNoDestination
}

func (u *noneUploader) UploadParquet(_ context.Context, projectSlug, _, _ string) error {
	u.log.Info("delivery disabled for project, keeping parquet export",
		zap.String("project", projectSlug))
	return ErrNoDestination
}
