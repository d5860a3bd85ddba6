package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"morpho/engine"
)

// scenario is a deterministic script of timed user operations replayed
// against the engine.
type scenario struct {
	Name  string         `yaml:"name"`
	Steps []scenarioStep `yaml:"steps"`
}

type scenarioStep struct {
	// At is the simulation timestamp, in seconds.
	At     uint64 `yaml:"at"`
	Op     string `yaml:"op"`
	Market string `yaml:"market"`
	// Collateral names the seized market for liquidate steps.
	Collateral string `yaml:"collateral"`
	User       string `yaml:"user"`
	// Amount is a decimal wei string.
	Amount string `yaml:"amount"`
	Budget uint64 `yaml:"budget"`
}

func loadScenario(path string) (*scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	for i, step := range s.Steps {
		if !common.IsHexAddress(step.Market) {
			return nil, fmt.Errorf("scenario %s: step %d: market %q is not a hex address", path, i, step.Market)
		}
		if !common.IsHexAddress(step.User) {
			return nil, fmt.Errorf("scenario %s: step %d: user %q is not a hex address", path, i, step.User)
		}
		if step.Op == "liquidate" && !common.IsHexAddress(step.Collateral) {
			return nil, fmt.Errorf("scenario %s: step %d: collateral %q is not a hex address", path, i, step.Collateral)
		}
		if _, err := uint256.FromDecimal(step.Amount); err != nil {
			return nil, fmt.Errorf("scenario %s: step %d: amount %q: %w", path, i, step.Amount, err)
		}
	}
	return &s, nil
}

// run replays the steps in timestamp order. Step failures are logged and do
// not stop the replay, so scripts can exercise rejection paths.
func (s *scenario) run(eng *engine.Engine, log *slog.Logger) {
	steps := make([]scenarioStep, len(s.Steps))
	copy(steps, s.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].At < steps[j].At })

	for i, step := range steps {
		eng.SetTimestamp(step.At)
		token := common.HexToAddress(step.Market)
		user := common.HexToAddress(step.User)
		amount, _ := uint256.FromDecimal(step.Amount)

		var err error
		switch step.Op {
		case "supply":
			err = eng.Supply(token, user, amount, step.Budget)
		case "borrow":
			err = eng.Borrow(token, user, amount, step.Budget)
		case "withdraw":
			err = eng.Withdraw(token, user, amount, step.Budget)
		case "repay":
			err = eng.Repay(token, user, amount, step.Budget)
		case "liquidate":
			collateral := common.HexToAddress(step.Collateral)
			var repaid, seized *uint256.Int
			repaid, seized, err = eng.Liquidate(token, collateral, user, amount)
			if err == nil {
				log.Info("scenario liquidation", "step", i,
					"repaid", repaid.Dec(), "seized", seized.Dec())
			}
		case "increase_deltas":
			var applied *uint256.Int
			applied, err = eng.IncreaseP2PDeltas(token, amount)
			if err == nil {
				log.Info("scenario delta increase", "step", i, "applied", applied.Dec())
			}
		default:
			log.Warn("scenario step skipped", "step", i, "op", step.Op)
			continue
		}
		if err != nil {
			log.Warn("scenario step rejected", "step", i, "op", step.Op,
				"market", token.Hex(), "user", user.Hex(), "error", err)
		}
	}
}
