package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// resetState clears package state between tests so each one can
// re-initialize against its own temp workspace.
func resetState() {
	CloseAll()
	logsDir = ""
	workspace = ""
	config = loggingConfig{}
	logLevel = LevelInfo
}

func writeLoggingConfig(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, ".keel")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()

	writeLoggingConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true
		}
	}`)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryEvents,
		CategoryLedger,
		CategoryReplay,
		CategoryPatch,
		CategoryBudget,
		CategoryInject,
		CategorySkill,
		CategoryVerify,
		CategoryCost,
		CategoryRuntime,
		CategorySchedule,
		CategoryWAL,
		CategoryConfig,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}

		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	// Also exercise the convenience functions
	Boot("Convenience boot log")
	Events("Convenience events log")
	EventsDebug("Convenience events debug log")
	Ledger("Convenience ledger log")
	Replay("Convenience replay log")
	Patch("Convenience patch log")
	Budget("Convenience budget log")
	Inject("Convenience inject log")
	Skill("Convenience skill log")
	Verify("Convenience verify log")
	Cost("Convenience cost log")
	Runtime("Convenience runtime log")
	RuntimeDebug("Convenience runtime debug log")
	Schedule("Convenience schedule log")
	ScheduleDebug("Convenience schedule debug log")
	WAL("Convenience wal log")
	Config("Convenience config log")

	// Close all loggers to flush
	CloseAll()

	logsPath := filepath.Join(tempDir, ".keel", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false
func TestDebugModeDisabled(t *testing.T) {
	tempDir := t.TempDir()

	writeLoggingConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": false
		}
	}`)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be DISABLED (production mode)")
	}

	for _, cat := range []Category{CategoryBoot, CategoryEvents, CategorySchedule} {
		if IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be DISABLED when debug_mode=false", cat)
		}
	}

	// These should all be no-ops
	Boot("This should NOT be logged")
	Events("This should NOT be logged")
	Schedule("This should NOT be logged")

	logger := Get(CategoryBoot)
	logger.Info("This should NOT be logged")
	logger.Debug("This should NOT be logged")
	logger.Error("This should NOT be logged")

	CloseAll()

	// The logs directory should never have been created
	logsPath := filepath.Join(tempDir, ".keel", "logs")
	if _, err := os.Stat(logsPath); err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("Expected NO log files in production mode, but found %d files", len(entries))
		}
	} else if !os.IsNotExist(err) {
		t.Fatalf("Stat logs dir: %v", err)
	}
}

// TestCategoryToggle tests individual category enable/disable
func TestCategoryToggle(t *testing.T) {
	tempDir := t.TempDir()

	writeLoggingConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"budget": true,
				"ledger": true,
				"patch": false,
				"skill": false
			}
		}
	}`)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryBudget) {
		t.Error("budget should be enabled")
	}
	if !IsCategoryEnabled(CategoryLedger) {
		t.Error("ledger should be enabled")
	}
	if IsCategoryEnabled(CategoryPatch) {
		t.Error("patch should be DISABLED")
	}
	if IsCategoryEnabled(CategorySkill) {
		t.Error("skill should be DISABLED")
	}

	// Category not in config defaults to enabled when debug_mode=true
	if !IsCategoryEnabled(CategoryVerify) {
		t.Error("verify (not in config) should default to enabled")
	}

	Budget("This SHOULD be logged")
	Ledger("This SHOULD be logged")
	Patch("This should NOT be logged")
	Skill("This should NOT be logged")
	Verify("This SHOULD be logged (default enabled)")

	CloseAll()

	logsPath := filepath.Join(tempDir, ".keel", "logs")
	entries, _ := os.ReadDir(logsPath)

	has := func(cat string) bool {
		for _, e := range entries {
			if strings.Contains(e.Name(), cat+".log") {
				return true
			}
		}
		return false
	}

	if !has("budget") {
		t.Error("Expected budget log file")
	}
	if !has("ledger") {
		t.Error("Expected ledger log file")
	}
	if has("patch") {
		t.Error("Should NOT have patch log file (disabled)")
	}
	if has("skill") {
		t.Error("Should NOT have skill log file (disabled)")
	}
}

// TestTimerLogging tests the timing helper
func TestTimerLogging(t *testing.T) {
	tempDir := t.TempDir()

	writeLoggingConfig(t, tempDir, `{"logging": {"level": "debug", "debug_mode": true}}`)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	timer := StartTimer(CategorySchedule, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("Timer should have recorded non-zero duration")
	}

	slow := StartTimer(CategorySchedule, "SlowOperation")
	time.Sleep(time.Millisecond)
	if got := slow.StopWithThreshold(time.Nanosecond); got <= 0 {
		t.Error("StopWithThreshold should have recorded non-zero duration")
	}

	CloseAll()
}
