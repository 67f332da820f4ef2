package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/MimeLyc/modpack-downloader/internal/jobs"
	"github.com/MimeLyc/modpack-downloader/pkg/log"
)

// Resolver fetches mod references into a job workspace.
type Resolver struct {
	modrinth *ModrinthClient
}

func NewResolver(modrinth *ModrinthClient) *Resolver {
	return &Resolver{modrinth: modrinth}
}

// Fetch reports per-item problems in the outcome. An error is returned only
// when ctx ends, so the caller can tell a timeout from a bad reference.
func (r *Resolver) Fetch(ctx context.Context, ref string, target jobs.Target, workspace string) (jobs.FetchOutcome, error) {
	switch Detect(ref) {
	case KindModrinth:
		return r.fetchModrinth(ctx, ref, target, workspace)
	case KindUnknown:
		return jobs.FetchOutcome{Message: "Invalid source"}, nil
	default:
		return jobs.FetchOutcome{Message: "Unsupported source"}, nil
	}
}

func (r *Resolver) fetchModrinth(ctx context.Context, ref string, target jobs.Target, workspace string) (jobs.FetchOutcome, error) {
	slug, ok := ModrinthSlug(ref)
	if !ok {
		return jobs.FetchOutcome{Message: "Invalid Modrinth URL"}, nil
	}

	project, err := r.modrinth.Project(ctx, slug)
	if err != nil {
		return failure(ctx, err)
	}
	versions, err := r.modrinth.Versions(ctx, project.ID)
	if err != nil {
		return failure(ctx, err)
	}

	version, ok := r.compatible(versions, target)
	if !ok {
		return jobs.FetchOutcome{Message: fmt.Sprintf("No match for %s (%s)", target.GameVersion, target.Loader)}, nil
	}
	if len(version.Files) == 0 {
		return jobs.FetchOutcome{Message: "No file found for compatible version"}, nil
	}

	file := version.Files[0]
	name := filepath.Base(filepath.Clean("/" + file.Filename))
	if name == "/" || name == "." {
		return jobs.FetchOutcome{Message: "Error: invalid file name " + file.Filename}, nil
	}
	if err := r.download(ctx, file.URL, filepath.Join(workspace, name)); err != nil {
		return failure(ctx, err)
	}

	log.Debug("Fetched %s (%s) into %s", project.Slug, version.VersionNumber, workspace)
	return jobs.FetchOutcome{
		Success:  true,
		FileName: name,
		Message:  "Downloaded " + name,
	}, nil
}

// compatible picks the first version listing the game version and the loader.
func (r *Resolver) compatible(versions []Version, target jobs.Target) (Version, bool) {
	// a Caser keeps state, so each call gets its own
	loader := cases.Lower(language.Und).String(strings.TrimSpace(target.Loader))
	for _, v := range versions {
		if slices.Contains(v.GameVersions, target.GameVersion) && slices.Contains(v.Loaders, loader) {
			return v, true
		}
	}
	return Version{}, false
}

// download writes to a temp file next to dst and renames it into place.
func (r *Resolver) download(ctx context.Context, fileURL, dst string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = r.modrinth.Download(ctx, fileURL, tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func failure(ctx context.Context, err error) (jobs.FetchOutcome, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return jobs.FetchOutcome{}, ctxErr
	}
	return jobs.FetchOutcome{Message: "Error: " + err.Error()}, nil
}
