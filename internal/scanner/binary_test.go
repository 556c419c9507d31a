package scanner

import (
	"context"
	"strings"
	"testing"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchConfig(mode models.AlgorithmMode) models.ScanConfig {
	return models.ScanConfig{
		MinGranularity:           1,
		OverlapSize:              3,
		AlgorithmMode:            mode,
		AlgorithmSwitchThreshold: 35,
	}
}

func TestBinarySearchPrunesSafeChunk(t *testing.T) {
	oracle := newOracle("absent")
	b := NewBinarySearcher(oracle, testEmitter(), searchConfig(models.ModeBinary), nil, nil)

	findings := b.Search(context.Background(), strings.Repeat("clean ", 50), 0)
	assert.Empty(t, findings)
	assert.Equal(t, 1, oracle.callCount(), "a safe chunk costs exactly one probe")
}

func TestBinarySearchLocatesKeywordInLongText(t *testing.T) {
	oracle := newOracle("炸弹")
	text := strings.Repeat("平", 120) + "炸弹" + strings.Repeat("安", 120)

	b := NewBinarySearcher(oracle, testEmitter(), searchConfig(models.ModeHybrid), nil, nil)
	findings := b.Search(context.Background(), text, 0)

	require.Len(t, findings, 1)
	assert.Equal(t, "炸弹", findings[0].Text)
	assert.Equal(t, 120, findings[0].Start)
	assert.Equal(t, 122, findings[0].End)
}

func TestBinarySearchBasePosOffset(t *testing.T) {
	oracle := newOracle("bad")
	text := strings.Repeat("x", 60) + "bad" + strings.Repeat("y", 60)

	b := NewBinarySearcher(oracle, testEmitter(), searchConfig(models.ModeHybrid), nil, nil)
	findings := b.Search(context.Background(), text, 1000)

	require.Len(t, findings, 1)
	assert.Equal(t, 1060, findings[0].Start)
	assert.Equal(t, 1063, findings[0].End)
}

func TestBinarySearchMultipleKeywords(t *testing.T) {
	oracle := newOracle("alpha", "omega")
	text := strings.Repeat("a", 80) + "alpha" + strings.Repeat("b", 80) + "omega" + strings.Repeat("c", 80)

	b := NewBinarySearcher(oracle, testEmitter(), searchConfig(models.ModeHybrid), nil, nil)
	findings := b.Search(context.Background(), text, 0)

	texts := make(map[string]models.Finding)
	for _, f := range findings {
		texts[f.Text] = f
	}
	require.Contains(t, texts, "alpha")
	require.Contains(t, texts, "omega")
	assert.Equal(t, 80, texts["alpha"].Start)
	assert.Equal(t, 165, texts["omega"].Start)
}

// In hybrid mode the handoff check runs before the leaf check, so the
// precision scanner sees every short blocked window even with
// min_granularity = 1.
func TestHybridHandsOffBeforeLeaf(t *testing.T) {
	oracle := newOracle("奸", "轮奸")
	cfg := searchConfig(models.ModeHybrid)

	b := NewBinarySearcher(oracle, testEmitter(), cfg, nil, nil)
	findings := b.Search(context.Background(), "轮奸", 0)

	require.Len(t, findings, 1)
	assert.Equal(t, "奸", findings[0].Text, "precision squeeze keeps the minimal suffix")
}

// Pure binary mode descends to min_granularity leaves without squeezing.
func TestBinaryModeRecordsLeaves(t *testing.T) {
	oracle := newOracle("k")
	cfg := searchConfig(models.ModeBinary)
	text := strings.Repeat("a", 40) + "k" + strings.Repeat("b", 40)

	b := NewBinarySearcher(oracle, testEmitter(), cfg, nil, nil)
	findings := b.Search(context.Background(), text, 0)

	// Overlapping halves may reach the same leaf twice; Search collapses
	// findings on the (text, start, end) triple.
	unique := make(map[models.Finding]struct{})
	for _, f := range findings {
		unique[f] = struct{}{}
	}
	require.Len(t, unique, 1)
	_, ok := unique[models.Finding{Text: "k", Start: 40, End: 41}]
	assert.True(t, ok)
}

// Both halves safe while the parent is blocked triggers the middle window
// (three-way probe).
func TestThreeWayProbeOnStraddlingKeyword(t *testing.T) {
	parent := "ABCDEFGHIJ"
	scripted := &scriptedProber{replies: map[string]models.ProbeStatus{
		parent:    models.StatusBlocked,
		"ABCDEFG": models.StatusSafe,
		"DEFGHIJ": models.StatusSafe,
		"DEFG":    models.StatusBlocked,
	}}

	cfg := models.ScanConfig{
		MinGranularity:           4,
		OverlapSize:              2,
		AlgorithmMode:            models.ModeBinary,
		AlgorithmSwitchThreshold: 35,
	}
	b := NewBinarySearcher(scripted, testEmitter(), cfg, nil, nil)
	findings := b.Search(context.Background(), parent, 0)

	require.Len(t, findings, 1)
	assert.Equal(t, "DEFG", findings[0].Text)
	assert.Equal(t, 3, findings[0].Start)
	assert.Equal(t, 7, findings[0].End)
}

// A probe error keeps the region as a coarse finding instead of dropping it.
func TestBinarySearchKeepsRegionOnError(t *testing.T) {
	oracle := newOracle("bad")
	text := strings.Repeat("x", 50) + "bad" + strings.Repeat("y", 50)
	oracle.errOn = func(probe string) bool { return len(probe) < 100 && len(probe) > 10 }

	var coarse []models.Finding
	onFound := func(f models.Finding, isCoarse bool) {
		if isCoarse {
			coarse = append(coarse, f)
		}
	}
	b := NewBinarySearcher(oracle, testEmitter(), searchConfig(models.ModeHybrid), onFound, nil)
	findings := b.Search(context.Background(), text, 0)

	assert.NotEmpty(t, findings, "errors must not silently drop a blocked region")
	assert.NotEmpty(t, coarse)
}

func TestBinarySearchCancellation(t *testing.T) {
	oracle := newOracle("bad")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBinarySearcher(oracle, testEmitter(), searchConfig(models.ModeHybrid), nil, nil)
	findings := b.Search(ctx, "xxbadxx", 0)
	assert.Empty(t, findings)
	assert.Zero(t, oracle.callCount(), "cancellation is checked before every probe")
}

// Bisection terminates: every recursion strictly shrinks the window, so the
// probe count stays bounded even for adversarial overlap settings.
func TestBinarySearchTerminates(t *testing.T) {
	oracle := newOracle("z")
	cfg := models.ScanConfig{
		MinGranularity:           1,
		OverlapSize:              1000, // far larger than any window; clamped per level
		AlgorithmMode:            models.ModeBinary,
		AlgorithmSwitchThreshold: 2100,
	}
	text := strings.Repeat("a", 64) + "z" + strings.Repeat("b", 63)

	b := NewBinarySearcher(oracle, testEmitter(), cfg, nil, nil)
	findings := b.Search(context.Background(), text, 0)

	require.NotEmpty(t, findings)
	assert.Less(t, oracle.callCount(), 5000, "termination implies a bounded probe count")
}
