package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/loqalabs/loqa-narrator/internal/jobs"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
)

func renderAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// one-shot runs keep no timeline
	cfg.EventStore.RetentionMode = "ephemeral"

	raw, err := os.ReadFile(cmd.String("text-file"))
	if err != nil {
		return err
	}

	p, err := runtime.NewPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	ref, err := p.Voices.Prepare(ctx, cmd.String("voice"))
	if err != nil {
		return err
	}

	req := jobs.Request{
		Text:       string(raw),
		Language:   cfg.Synthesis.DefaultLanguage,
		Voice:      ref,
		BlockChars: cfg.Synthesis.DefaultBlockChars,
		Pause:      time.Duration(cfg.Synthesis.DefaultPauseMS) * time.Millisecond,
		Normalize:  !cmd.Bool("no-normalize"),
	}
	if lang := cmd.String("lang"); lang != "" {
		req.Language = lang
	}
	if block := cmd.Int("block"); block > 0 {
		req.BlockChars = block
	}
	if pause := cmd.Int("pause"); pause >= 0 {
		req.Pause = time.Duration(pause) * time.Millisecond
	}

	id, err := p.Runner.Submit(ctx, req)
	if err != nil {
		return err
	}

	job, err := waitWithProgress(ctx, p.Runner, id, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}
	if job.Status == jobs.StatusFailed {
		return job.Err
	}
	out := cmd.String("out")
	if err := moveFile(filepath.Join(cfg.Storage.OutputsDir, job.Artifact), out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "%s\n", out)
	return nil
}

func waitWithProgress(ctx context.Context, runner *jobs.Runner, id string, w io.Writer) (jobs.Job, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	done := make(chan struct{})
	var (
		job jobs.Job
		err error
	)
	go func() {
		defer close(done)
		job, err = runner.Store().Wait(ctx, id)
	}()
	for {
		select {
		case <-done:
			fmt.Fprintf(w, "\r%-60s\r", "")
			return job, err
		case <-ticker.C:
			if snap, serr := runner.Snapshot(id, time.Now()); serr == nil {
				fmt.Fprintf(w, "\rblock %d/%d  %5.1f%%  eta %4.0fs", snap.DoneBlocks, snap.TotalBlocks, snap.Fraction*100, snap.ETA.Seconds())
			}
		}
	}
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
