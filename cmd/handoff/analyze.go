package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/inference"
	"github.com/medxp/handoff/internal/session"
	"github.com/medxp/handoff/internal/shared/config"
	"github.com/medxp/handoff/internal/shared/events"
	"github.com/medxp/handoff/internal/shared/logging"
)

func newAnalyzeCommand(configPath *string) *cobra.Command {
	var (
		profilePath    string
		transcriptPath string
		sessionID      string
		detail         bool
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one handoff through the pipeline and print the brief",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			// logs go to stderr so stdout stays parseable
			logger := logging.InitWriter(os.Stderr, "handoff", cfg.Server.Env, cfg.Log.Level)

			var req session.Request
			if err := readJSON(transcriptPath, &req.Session); err != nil {
				return fmt.Errorf("transcript: %w", err)
			}
			req.Profile = &clinical.PatientProfile{}
			if err := readJSON(profilePath, req.Profile); err != nil {
				return fmt.Errorf("profile: %w", err)
			}
			if sessionID != "" {
				req.Session.SessionID = sessionID
			}

			sess, err := analyze(cmd.Context(), cfg, req, logger)
			if err != nil {
				return err
			}

			var out any = sess.Report.Brief
			if detail {
				out = sess
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "", "patient profile JSON file")
	cmd.Flags().StringVar(&transcriptPath, "transcript", "", "transcript session JSON file")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "override the session id")
	cmd.Flags().BoolVar(&detail, "detail", false, "print the full session record instead of the brief")
	_ = cmd.MarkFlagRequired("profile")
	_ = cmd.MarkFlagRequired("transcript")
	return cmd
}

// analyze runs a single session in-process with memory-backed storage.
func analyze(ctx context.Context, cfg *config.Config, req session.Request, logger zerolog.Logger) (*session.Session, error) {
	client, err := inference.New(cfg.Inference, inference.NewMemoryCache(), logger)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	p, err := buildPipeline(cfg, client, logger)
	if err != nil {
		return nil, err
	}

	svc := session.NewService(session.Deps{
		Repo:        session.NewMemoryRepository(),
		Assembler:   p.assembler,
		Ensemble:    p.ensemble,
		Synthesizer: p.synthesizer,
		Bus:         events.NewMemoryBus(logger),
		Privacy:     p.privacy,
		Logger:      logger,
	}, session.DefaultConfig())

	sess, err := svc.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if sess.Report == nil {
		return nil, fmt.Errorf("session %s ended %s without a brief", sess.ID, sess.Status)
	}
	return sess, nil
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
