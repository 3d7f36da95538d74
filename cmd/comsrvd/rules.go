package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/comsrv/internal/catalog"
	"github.com/fieldmesh/comsrv/internal/rules"
)

// ruleEvalInterval is how often the loaded rule set re-runs; no config
// knob names this (config.RulesConfig only carries definitions_dir), so a
// fixed conservative period stands in.
const ruleEvalInterval = 5 * time.Second

// loadRuleDefinitions reads every *.json file in dir and upserts it into
// the catalog's rules table, matching config.RulesConfig's doc comment:
// "persisted rule graph definitions loaded into the catalog's rules table
// at startup". A malformed file is logged and skipped rather than failing
// startup over one bad rule.
func loadRuleDefinitions(ctx context.Context, dir string, store *catalog.Store, log *logrus.Entry) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).Warn("reading rule definitions directory")
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).WithField("file", path).Warn("reading rule definition")
			continue
		}
		var def rules.Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			log.WithError(err).WithField("file", path).Warn("parsing rule definition")
			continue
		}
		if def.ID == "" {
			def.ID = strings.TrimSuffix(e.Name(), ".json")
		}
		if _, err := rules.Build(def); err != nil {
			log.WithError(err).WithField("rule_id", def.ID).Warn("rule graph failed validation, not loaded")
			continue
		}
		encoded, err := json.Marshal(def)
		if err != nil {
			log.WithError(err).WithField("rule_id", def.ID).Warn("re-encoding rule definition")
			continue
		}
		if err := store.PutRule(ctx, def.ID, encoded); err != nil {
			log.WithError(err).WithField("rule_id", def.ID).Warn("storing rule definition")
		}
	}
}

// runRules evaluates every persisted rule graph once per ruleEvalInterval
// until ctx is cancelled (spec.md §4.8's periodic evaluation driving Input
// nodes off the RTDB).
func runRules(ctx context.Context, store *catalog.Store, rtdb rules.RTDB, dispatcher rules.ActionDispatcher, log *logrus.Entry) {
	ticker := time.NewTicker(ruleEvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evalAllRules(ctx, store, rtdb, dispatcher, log)
		}
	}
}

func evalAllRules(ctx context.Context, store *catalog.Store, rtdb rules.RTDB, dispatcher rules.ActionDispatcher, log *logrus.Entry) {
	ids, err := store.ListRuleIDs(ctx)
	if err != nil {
		log.WithError(err).Warn("listing rules")
		return
	}
	for _, id := range ids {
		raw, ok, err := store.GetRule(ctx, id)
		if err != nil || !ok {
			continue
		}
		var def rules.Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			log.WithError(err).WithField("rule_id", id).Warn("decoding stored rule")
			continue
		}
		graph, err := rules.Build(def)
		if err != nil {
			log.WithError(err).WithField("rule_id", id).Warn("rebuilding rule graph")
			continue
		}
		ec := rules.NewExecutionContext(rtdb, dispatcher)
		result := graph.Execute(ctx, ec, log.WithField("rule_id", id))
		if len(result.Failed) > 0 {
			log.WithFields(logrus.Fields{"rule_id": id, "failed_nodes": result.Failed}).Warn("rule evaluation had failed nodes")
		}
	}
}
