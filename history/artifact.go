// Package history encodes tracking history in artifact filenames and recovers it after
// a restart. Artifacts live at <root>/<camera-label>/<YYYYMMDD>/<HHMMSS>_<token>_.jpg.
package history

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Mode tells which token an artifact name carries.
type Mode int

const (
	// CaptureMode names carry the hyphen-joined detected classes.
	CaptureMode Mode = iota
	// TrackingMode names carry "person_" followed by the hyphen-joined object ids.
	TrackingMode
)

func (m Mode) String() string {
	if m == TrackingMode {
		return "tracking"
	}
	return "capture"
}

const (
	// PersonToken is the literal class token of tracking mode names.
	PersonToken = "person"
	extension   = ".jpg"
	dayLayout   = "20060102"
	clockLayout = "150405"
)

var (
	trackingName = regexp.MustCompile(`^(\d{6})_` + PersonToken + `_(\d+(?:-\d+)*)_\.jpg$`)
	captureName  = regexp.MustCompile(`^(\d{6})_(.+)_\.jpg$`)
)

// Artifact is the decoded form of an artifact filename.
type Artifact struct {
	Time    time.Time
	Mode    Mode
	Classes []string
	IDs     []int
}

// Name returns the encoded filename, without directory.
func (a Artifact) Name() string {
	var token string
	switch a.Mode {
	case TrackingMode:
		ids := make([]string, 0, len(a.IDs))
		for _, id := range a.IDs {
			ids = append(ids, strconv.Itoa(id))
		}
		token = PersonToken + "_" + strings.Join(ids, "-")
	default:
		token = strings.Join(a.Classes, "-")
	}
	return a.Time.Format(clockLayout) + "_" + token + "_" + extension
}

// Dir returns the directory the artifact belongs in.
func (a Artifact) Dir(root, cameraLabel string) string {
	return filepath.Join(root, cameraLabel, a.Time.Format(dayLayout))
}

// Path returns the full path of the artifact.
func (a Artifact) Path(root, cameraLabel string) string {
	return filepath.Join(a.Dir(root, cameraLabel), a.Name())
}

// ParseArtifactName decodes a filename produced by Artifact.Name. Only the time of day
// is recovered; use ParseArtifactPath to also pick up the date directory.
func ParseArtifactName(name string) (Artifact, error) {
	if m := trackingName.FindStringSubmatch(name); m != nil {
		at, err := time.Parse(clockLayout, m[1])
		if err != nil {
			return Artifact{}, errors.Wrapf(err, "bad time in %q", name)
		}
		parts := strings.Split(m[2], "-")
		ids := make([]int, 0, len(parts))
		for _, p := range parts {
			id, err := strconv.Atoi(p)
			if err != nil {
				return Artifact{}, errors.Wrapf(err, "bad object id in %q", name)
			}
			ids = append(ids, id)
		}
		return Artifact{Time: at, Mode: TrackingMode, Classes: []string{PersonToken}, IDs: ids}, nil
	}
	if m := captureName.FindStringSubmatch(name); m != nil {
		at, err := time.Parse(clockLayout, m[1])
		if err != nil {
			return Artifact{}, errors.Wrapf(err, "bad time in %q", name)
		}
		return Artifact{Time: at, Mode: CaptureMode, Classes: strings.Split(m[2], "-")}, nil
	}
	return Artifact{}, errors.Errorf("%q is not an artifact name", name)
}

// ParseArtifactPath decodes the filename of path and, when the parent directory is a
// YYYYMMDD date, merges it into the artifact time.
func ParseArtifactPath(path string) (Artifact, error) {
	a, err := ParseArtifactName(filepath.Base(path))
	if err != nil {
		return Artifact{}, err
	}
	day, err := time.Parse(dayLayout, filepath.Base(filepath.Dir(path)))
	if err != nil {
		return a, nil
	}
	a.Time = time.Date(day.Year(), day.Month(), day.Day(),
		a.Time.Hour(), a.Time.Minute(), a.Time.Second(), 0, time.Local)
	return a, nil
}
