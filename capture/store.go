package capture

import (
	"context"
	"image"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage"
	rutils "go.viam.com/rdk/utils"

	"github.com/viam-modules/capture-tracking/history"
)

// ErrPersist marks a cycle that failed to write its artifact.
var ErrPersist = errors.New("unable to persist frame")

// Store writes annotated frames into the artifact tree.
type Store struct {
	Root        string
	CameraLabel string
}

// Write encodes img as JPEG at the artifact's path, creating the date directory
// if needed, and returns the path.
func (s Store) Write(ctx context.Context, a history.Artifact, img image.Image) (string, error) {
	dir := a.Dir(s.Root, s.CameraLabel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(ErrPersist, "creating %s: %v", dir, err)
	}
	data, err := rimage.EncodeImage(ctx, img, rutils.MimeTypeJPEG)
	if err != nil {
		return "", errors.Wrapf(ErrPersist, "encoding frame: %v", err)
	}
	path := a.Path(s.Root, s.CameraLabel)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(ErrPersist, "writing %s: %v", path, err)
	}
	return path, nil
}
