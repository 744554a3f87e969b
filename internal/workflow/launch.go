package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/morales-gregorio/poSSum3/internal/command"
	"github.com/morales-gregorio/poSSum3/internal/param"
	"github.com/morales-gregorio/poSSum3/pkg/model"
)

var archiveTemplate = command.MustNew("archive_work_dir",
	"tar -cvvzf {archive_filename}.tgz {pathname}",
	[]param.Parameter{
		param.Filename("archive_filename").Require(),
		param.Filename("pathname").Require(),
	},
)

// ErrArchiveFailed is returned when the archive command exits non-zero.
// The working directory is kept in that case.
var ErrArchiveFailed = errors.New("archiving the job directory failed")

// Launch runs body between the pre- and post-launch steps. The post-launch
// step (PostLaunch hook, archive, cleanup) only runs when body succeeds.
func (w *Workflow) Launch(ctx context.Context, body func(ctx context.Context) error) error {
	if w.hooks.PreLaunch != nil {
		if err := w.hooks.PreLaunch(ctx, w); err != nil {
			return fmt.Errorf("pre-launch: %w", err)
		}
	}
	if err := body(ctx); err != nil {
		return err
	}
	if w.hooks.PostLaunch != nil {
		if err := w.hooks.PostLaunch(ctx, w); err != nil {
			return fmt.Errorf("post-launch: %w", err)
		}
	}
	if w.opts.ArchiveWorkDir != "" {
		if err := w.Archive(ctx); err != nil {
			return err
		}
	}
	if w.opts.Cleanup {
		return w.CleanUp()
	}
	return nil
}

// Archive compresses the working directory into
// <ArchiveWorkDir>/<jobId>.tgz. In dry-run mode the tar command is printed.
func (w *Workflow) Archive(ctx context.Context) error {
	if w.jobDir() == "" {
		w.logger.Warn("no work directory to archive")
		return nil
	}
	dest := w.opts.ArchiveWorkDir
	if dest == "" {
		return fmt.Errorf("archive: %w: archive directory not set", model.ErrInvalidValue)
	}
	archive := filepath.Join(dest, w.opts.JobID)
	w.logger.Info("archiving the job directory", "archive", archive+".tgz")

	if !w.opts.DryRun {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
	}
	cmd, err := archiveTemplate.Bind(w.jobDir()).Fill(command.Args{
		"archive_filename": archive,
		"pathname":         w.opts.WorkDir,
	})
	if err != nil {
		return err
	}
	rep, err := w.ExecuteOne(ctx, cmd)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if rep.Failed > 0 {
		return &model.ExecutionError{Phase: "archive", Err: ErrArchiveFailed, ExitCode: rep.Results[0].ExitCode}
	}
	return nil
}

// CleanUp removes the working directory recursively and moves the job to
// CLEANED_UP. No further commands can be executed afterwards.
func (w *Workflow) CleanUp() error {
	if dir := w.jobDir(); dir != "" {
		size, _ := dirSize(dir)
		w.logger.Info("removing job directory", "path", dir, "size", humanize.Bytes(uint64(size)))
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove job directory: %w", err)
		}
	}
	return w.transition(model.JobStateCleanedUp)
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
