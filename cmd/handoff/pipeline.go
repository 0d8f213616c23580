package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/analysis"
	"github.com/medxp/handoff/internal/clinical"
	"github.com/medxp/handoff/internal/enrichment"
	"github.com/medxp/handoff/internal/inference"
	"github.com/medxp/handoff/internal/knowledge"
	"github.com/medxp/handoff/internal/privacy"
	"github.com/medxp/handoff/internal/session"
	"github.com/medxp/handoff/internal/shared/config"
	"github.com/medxp/handoff/internal/synthesis"
	"github.com/medxp/handoff/internal/warnings"
)

// pipeline holds the stateless stages shared by every session.
type pipeline struct {
	formulary   *clinical.Formulary
	store       *knowledge.Store
	rules       *warnings.Table
	assembler   *enrichment.Assembler
	ensemble    *analysis.Ensemble
	synthesizer *synthesis.Synthesizer
	privacy     *privacy.Pseudonymizer
}

// loadReference reads the formulary, knowledge base and rule table, falling back to the embedded copies.
func loadReference(cfg config.KnowledgeConfig, logger zerolog.Logger) (*clinical.Formulary, *knowledge.Store, *warnings.Table, error) {
	formulary := clinical.DefaultFormulary()
	if cfg.FormularyFile != "" {
		f, err := clinical.LoadFormulary(cfg.FormularyFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load formulary: %w", err)
		}
		formulary = f
	}

	store := knowledge.Default(logger)
	if cfg.KnowledgeFile != "" {
		s, err := knowledge.Load(cfg.KnowledgeFile, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load knowledge: %w", err)
		}
		store = s
	}

	rules := warnings.DefaultTable(logger)
	if cfg.RulesFile != "" {
		t, err := warnings.LoadTable(cfg.RulesFile, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load rules: %w", err)
		}
		rules = t
	}
	return formulary, store, rules, nil
}

func buildPipeline(cfg *config.Config, client inference.Client, logger zerolog.Logger) (*pipeline, error) {
	formulary, store, rules, err := loadReference(cfg.Knowledge, logger)
	if err != nil {
		return nil, err
	}

	pseudonymizer := privacy.NewPseudonymizer([]byte(cfg.Privacy.HMACKey))
	analyzers := analysis.NewAnalyzers(analysis.Deps{Client: client, Pseudonymizer: pseudonymizer})

	return &pipeline{
		formulary: formulary,
		store:     store,
		rules:     rules,
		assembler: enrichment.NewAssembler(
			knowledge.NewRetriever(store, formulary, cfg.Pipeline.TopNPerCategory),
			warnings.NewGenerator(rules, formulary),
			formulary,
			logger,
		),
		ensemble: analysis.NewEnsemble(analyzers, cfg.Pipeline.AnalyzerTimeout, logger).
			WithObserver(session.AnalyzerMetrics{}),
		synthesizer: synthesis.New(synthesis.Options{
			MaxKeyConcerns: cfg.Pipeline.MaxKeyConcerns,
			Penalties: synthesis.Penalties{
				Contraindication: cfg.Pipeline.ContraindicationPenalty,
				Allergy:          cfg.Pipeline.AllergyPenalty,
				CriticalAlert:    cfg.Pipeline.CriticalAlertPenalty,
			},
		}, logger),
		privacy: pseudonymizer,
	}, nil
}
