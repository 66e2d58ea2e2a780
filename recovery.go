/*
Copyright 2025 Sidefx Labs Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sidefx

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sidefxlabs/sidefx/model"
)

// StuckEffectRecoveryProcessor periodically sweeps the ledger for in_progress
// entries whose delivery died between begin and complete. Entries whose
// artifact is already durable are healed to done; entries past the abandon
// threshold with no artifact are marked failed for operator attention.
type StuckEffectRecoveryProcessor struct {
	sidefx           *Sidefx
	batchSize        int
	maxWorkers       int
	pollInterval     time.Duration
	stuckThreshold   time.Duration
	abandonThreshold time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
	running          bool
	mu               sync.Mutex
}

func NewStuckEffectRecoveryProcessor(sidefx *Sidefx) *StuckEffectRecoveryProcessor {
	maxWorkers := 10
	return &StuckEffectRecoveryProcessor{
		sidefx:           sidefx,
		batchSize:        maxWorkers * 100,
		maxWorkers:       maxWorkers,
		pollInterval:     30 * time.Second,
		stuckThreshold:   5 * time.Minute,
		abandonThreshold: 24 * time.Hour,
		stopCh:           make(chan struct{}),
	}
}

func (p *StuckEffectRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Stuck effect recovery processor started")
}

func (p *StuckEffectRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Stuck effect recovery processor stopped")
}

func (p *StuckEffectRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *StuckEffectRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Stuck effect recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Stuck effect recovery processor stop signal received")
			return
		case <-ticker.C:
			p.recoverWithThreshold(ctx, p.stuckThreshold)
		}
	}
}

// RecoverStuckEffects triggers an immediate sweep of stuck ledger entries
// using the provided threshold. This is exposed for the manual trigger API
// endpoint.
func (s *Sidefx) RecoverStuckEffects(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < 2*time.Minute {
		threshold = 2 * time.Minute
	}

	processor := NewStuckEffectRecoveryProcessor(s)
	return processor.recoverWithThreshold(ctx, threshold), nil
}

func (p *StuckEffectRecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) int {
	stuckEffects, err := p.sidefx.datasource.GetStuckEffects(ctx, threshold, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck effects: %v", err)
		return 0
	}

	if len(stuckEffects) == 0 {
		return 0
	}

	logrus.Infof("Processing %d stuck effects with %d workers (threshold=%v)", len(stuckEffects), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for i := range stuckEffects {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(effect *model.SideEffect) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := p.processStuckEffect(ctx, effect); err != nil {
				logrus.Errorf("failed to process stuck effect %s: %v", effect.EffectID, err)
			}
		}(&stuckEffects[i])
	}

	batchWg.Wait()
	return len(stuckEffects)
}

func (p *StuckEffectRecoveryProcessor) processStuckEffect(ctx context.Context, effect *model.SideEffect) error {
	name := p.sidefx.artifactName(effect.StepID, effect.BusinessKey)

	if p.sidefx.artifacts.Exists(effect.RunID, name) {
		ref := p.sidefx.artifacts.Ref(effect.RunID, name)
		if err := p.sidefx.datasource.CompleteEffect(ctx, effect.EffectID, ref); err != nil {
			return err
		}
		p.sidefx.runs.AppendEvent(ctx, &model.RunEvent{
			Type:        model.EventSideEffectHealed,
			RunID:       effect.RunID,
			StepID:      effect.StepID,
			EffectID:    effect.EffectID,
			ArtifactRef: ref,
		})
		logrus.Infof("Healed stuck effect %s with existing artifact %s", effect.EffectID, ref)
		return nil
	}

	// No artifact and past the abandon threshold: the redelivery budget is
	// long exhausted, surface it instead of holding the entry forever.
	if time.Since(effect.CreatedAt) > p.abandonThreshold {
		logrus.Warnf("Abandoning stuck effect %s with no artifact after %v", effect.EffectID, time.Since(effect.CreatedAt))
		return p.sidefx.datasource.MarkEffectFailed(ctx, effect.EffectID, "abandoned: no artifact produced within recovery window")
	}

	// Within the redelivery window the transport still owns the retry.
	return nil
}