// Package detect evaluates Sigma rules against events as they are
// recorded. Rules flag the recordings worth a human's attention, for
// example sessions whose tracee took a deterministic fault.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pzim/retrace/trace"
	"github.com/pzim/retrace/types"
)

// Detector manages Sigma rules and evaluates recorded events against them.
// Rule files are watched for changes and reloaded without a restart.
type Detector struct {
	RulesDir string

	store      *trace.Store
	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
	reloadChan chan bool
	done       chan struct{}
	watcher    *fsnotify.Watcher
	log        *logrus.Entry
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

// fieldMappings names the recorded-event fields rules may reference.
func fieldMappings() sigma.Config {
	return sigma.Config{
		Title: "retrace event fields",
		FieldMappings: map[string]sigma.FieldMapping{
			"EventName":     {TargetNames: []string{"EventName"}},
			"Signal":        {TargetNames: []string{"Signal"}},
			"Deterministic": {TargetNames: []string{"Deterministic"}},
			"Image":         {TargetNames: []string{"Image"}},
			"CommandLine":   {TargetNames: []string{"CommandLine"}},
			"ProcessId":     {TargetNames: []string{"ProcessId"}},
		},
	}
}

// NewDetector creates a detector loading rules from rulesDir. store may be
// nil to evaluate without persisting matches.
func NewDetector(rulesDir string, store *trace.Store, log *logrus.Entry) (*Detector, error) {
	if log == nil {
		silent := logrus.New()
		silent.Out = io.Discard
		silent.Level = logrus.PanicLevel
		log = logrus.NewEntry(silent)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	d := &Detector{
		RulesDir:   rulesDir,
		store:      store,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan bool, 1), // one pending reload is enough
		done:       make(chan struct{}),
		watcher:    watcher,
		log:        log,
	}

	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create rules directory: %v", err)
	}
	if err := watcher.Add(rulesDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %v", rulesDir, err)
	}

	go d.watchFileChanges()
	go d.reloadLoop()

	if err := d.LoadRules(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// watchFileChanges turns rule file modifications into reload requests.
func (d *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.log.WithFields(logrus.Fields{
					"file": event.Name,
					"op":   event.Op.String(),
				}).Debug("rule change detected")
				d.ReloadRules()
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.WithError(err).Warn("rule watcher error")
		}
	}
}

func (d *Detector) reloadLoop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.reloadChan:
			if err := d.LoadRules(); err != nil {
				d.log.WithError(err).Warn("failed to reload rules")
			}
		}
	}
}

// ReloadRules requests an asynchronous rule reload.
func (d *Detector) ReloadRules() {
	select {
	case d.reloadChan <- true:
	default:
		// A reload is already pending.
	}
}

// LoadRules replaces the active rule set with the contents of RulesDir.
// Files that fail to parse are skipped with a warning.
func (d *Detector) LoadRules() error {
	files, err := os.ReadDir(d.RulesDir)
	if err != nil {
		return fmt.Errorf("failed to read rules directory: %v", err)
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	count := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := filepath.Ext(file.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(d.RulesDir, file.Name())
		rule, ev, err := loadRuleFile(path)
		if err != nil {
			d.log.WithError(err).WithField("file", path).Warn("skipping rule file")
			continue
		}
		evaluators[rule.ID] = ev
		d.log.WithFields(logrus.Fields{"rule": rule.Title, "id": rule.ID}).Debug("loaded rule")
		count++
	}

	d.mu.Lock()
	d.evaluators = evaluators
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{"rules": count, "dir": d.RulesDir}).Info("rules loaded")
	return nil
}

// loadRuleFile parses one Sigma rule file and builds its evaluator.
func loadRuleFile(path string) (sigma.Rule, *evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return sigma.Rule{}, nil, fmt.Errorf("not a Sigma rule file")
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	ev := evaluator.ForRule(rule,
		evaluator.WithConfig(fieldMappings()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}))
	return rule, ev, nil
}

// CheckEvent evaluates event against every loaded rule.
func (d *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	d.mu.RLock()
	evaluators := make([]*evaluator.RuleEvaluator, 0, len(d.evaluators))
	for _, ev := range d.evaluators {
		evaluators = append(evaluators, ev)
	}
	d.mu.RUnlock()

	var results []MatchResult
	for _, ruleEvaluator := range evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			d.log.WithError(err).WithField("rule", ruleEvaluator.Rule.ID).Warn("rule evaluation failed")
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}
		results = append(results, MatchResult{
			Match: true,
			Rule:  ruleEvaluator.Rule,
			MatchDetails: []string{
				fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
			},
		})
	}
	return results
}

// CheckRecordedEvent builds the rule-visible view of one recorded event,
// evaluates it, and persists any matches. Failures are logged rather than
// returned; detection never blocks recording.
func (d *Detector) CheckRecordedEvent(sessionID int64, seq uint64, code int, regs *unix.PtraceRegs, meta *trace.SessionMeta) {
	event := map[string]interface{}{
		"id":        int64(seq),
		"EventName": types.EventName(code),
		"EventCode": code,
		"Rip":       fmt.Sprintf("%#x", regs.Rip),
	}
	if meta != nil {
		event["Image"] = meta.ExePath
		event["CommandLine"] = meta.CmdLine
		event["ProcessId"] = meta.Pid
	}
	if sig, det, ok := types.DecodeSignal(code); ok {
		event["Signal"] = types.SignalName(sig)
		event["Deterministic"] = det
	}

	matches := d.CheckEvent(context.Background(), event)
	if len(matches) == 0 {
		return
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		d.log.WithError(err).Warn("failed to marshal event for detection")
	}

	for _, match := range matches {
		severity := match.Rule.Level
		if severity == "" {
			severity = "medium"
		}
		d.log.WithFields(logrus.Fields{
			"rule":     match.Rule.Title,
			"event":    types.EventName(code),
			"severity": severity,
		}).Info("rule matched recorded event")

		if d.store == nil {
			continue
		}
		detailsJSON, _ := json.Marshal(match.MatchDetails)
		err := d.store.InsertDetection(sessionID, seq, match.Rule.ID, match.Rule.Title,
			severity, string(detailsJSON), string(eventJSON))
		if err != nil {
			d.log.WithError(err).Warn("failed to store detection")
		}
	}
}

// Close stops the rule watcher and reload goroutines.
func (d *Detector) Close() error {
	close(d.done)
	return d.watcher.Close()
}
