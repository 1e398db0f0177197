package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/meetwise/internal/config"
	"github.com/meetwise/internal/database"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Settings the configured backends need
	Present  map[string]string // Settings that are set (masked values)
	Warnings []string          // Non-fatal warnings
}

// CheckRequiredConfig reports what the configured backends still need.
func CheckRequiredConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	dbURL, err := database.ResolveURL(cfg.Database.URL)
	switch {
	case err == nil && dbURL != "":
		result.Present["database.url"] = maskSecret(dbURL)
	case cfg.Dispatch.Backend == "river":
		result.Missing = append(result.Missing, "database.url (or DATABASE_URL) for dispatch backend river")
	default:
		result.Warnings = append(result.Warnings, "no database: tasks, dispatch records and documents are kept in memory")
	}

	if cfg.Extraction.Detector == "llm" {
		switch {
		case cfg.LLM.Provider == "gemini" && cfg.LLM.APIKey == "":
			result.Missing = append(result.Missing, "llm.api_key (MEETWISE_LLM__API_KEY) for provider gemini")
		case cfg.LLM.APIKey != "":
			result.Present["llm.api_key"] = maskSecret(cfg.LLM.APIKey)
		}
		if cfg.LLM.BaseURL != "" {
			result.Present["llm.base_url"] = cfg.LLM.BaseURL
		}
	}

	if cfg.Dispatch.GatewayURL == "" {
		result.Warnings = append(result.Warnings, "no dispatch.gateway_url: approvals are confirmed by the in-memory gateway")
	} else {
		result.Present["dispatch.gateway_url"] = cfg.Dispatch.GatewayURL
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")
	fmt.Println("")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required settings:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		fmt.Println("✓ Configured settings:")
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// DoctorCommand checks that the configured backends have what they need.
func DoctorCommand() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check configuration and environment for the selected backends",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			result := CheckRequiredConfig(cfg)
			PrintConfigCheck(result)
			if len(result.Missing) > 0 {
				return fmt.Errorf("%d required setting(s) missing", len(result.Missing))
			}
			return nil
		},
	}
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}
