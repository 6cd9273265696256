// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skyguard-dev/skyguard/internal/config"
	"github.com/skyguard-dev/skyguard/internal/secrets"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

var supportedProviders = []string{"openai", "anthropic", "google"}

// supportedGuardrails are listed with a one-line description.
var supportedGuardrails = []struct{ name, desc string }{
	{"policy", "local rules, no account needed"},
	{"codex", "Cleanlab Codex trust scoring and expert answers"},
	{"none", "no validation"},
}

// initWizardStep tracks which step of the wizard is active.
type initWizardStep int

const (
	stepProvider     initWizardStep = iota // select provider
	stepAPIKey                             // enter provider API key
	stepGuardrail                          // select guardrail backend
	stepCodexKey                           // enter codex API key
	stepCodexProject                       // enter codex project id
	stepSaving                             // writing secrets and config (spinner)
	stepDone                               // wizard complete
	stepError                              // terminal error
)

// initResult holds the collected wizard configuration.
type initResult struct {
	Provider  string
	APIKey    string
	Guardrail string
	CodexKey  string
	ProjectID string
}

type configWrittenMsg struct{ path string }

// initModel is the bubbletea model for the init wizard.
type initModel struct {
	step           initWizardStep
	providerIdx    int
	guardrailIdx   int
	input          textinput.Model
	spinner        spinner.Model
	result         initResult
	inputErr       string
	configPath     string
	secretStore    secrets.Store
	errFinal       error
	forceOverwrite bool
}

func newInitModel(store secrets.Store) initModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return initModel{
		step:        stepProvider,
		input:       secretInput("paste API key here"),
		spinner:     sp,
		secretStore: store,
	}
}

func secretInput(placeholder string) textinput.Model {
	in := textinput.New()
	in.Placeholder = placeholder
	in.EchoMode = textinput.EchoPassword
	in.EchoCharacter = '•'
	return in
}

func plainInput(placeholder string) textinput.Model {
	in := textinput.New()
	in.Placeholder = placeholder
	return in
}

func (m initModel) Init() tea.Cmd {
	return nil
}

func (m initModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case configWrittenMsg:
		m.step = stepDone
		m.configPath = msg.path
		return m, tea.Quit

	case error:
		m.step = stepError
		m.errFinal = msg
		return m, tea.Quit
	}

	if m.inputActive() {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m initModel) inputActive() bool {
	return m.step == stepAPIKey || m.step == stepCodexKey || m.step == stepCodexProject
}

func (m initModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.step {
	case stepProvider, stepGuardrail:
		return m.handleListKey(msg)
	case stepAPIKey, stepCodexKey, stepCodexProject:
		return m.handleInputKey(msg)
	}
	return m, nil
}

func (m initModel) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	idx, n := &m.providerIdx, len(supportedProviders)
	if m.step == stepGuardrail {
		idx, n = &m.guardrailIdx, len(supportedGuardrails)
	}
	switch msg.String() {
	case "up", "k":
		if *idx > 0 {
			*idx--
		}
	case "down", "j":
		if *idx < n-1 {
			*idx++
		}
	case "enter":
		return m.selectItem()
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) selectItem() (tea.Model, tea.Cmd) {
	m.inputErr = ""
	switch m.step {
	case stepProvider:
		m.result.Provider = supportedProviders[m.providerIdx]
		m.step = stepAPIKey
		m.input = secretInput("paste " + m.result.Provider + " API key here")
	case stepGuardrail:
		m.result.Guardrail = supportedGuardrails[m.guardrailIdx].name
		if m.result.Guardrail != "codex" {
			return m.save()
		}
		m.step = stepCodexKey
		m.input = secretInput("paste Codex API key here")
	}
	m.input.Focus()
	return m, textinput.Blink
}

func (m initModel) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		value := strings.TrimSpace(m.input.Value())
		if value == "" {
			m.inputErr = "value must not be empty"
			return m, nil
		}
		m.inputErr = ""
		switch m.step {
		case stepAPIKey:
			m.result.APIKey = value
			m.step = stepGuardrail
			return m, nil
		case stepCodexKey:
			m.result.CodexKey = value
			m.step = stepCodexProject
			m.input = plainInput("Codex project id")
			m.input.Focus()
			return m, textinput.Blink
		case stepCodexProject:
			m.result.ProjectID = value
			return m.save()
		}
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m initModel) save() (tea.Model, tea.Cmd) {
	m.step = stepSaving
	return m, tea.Batch(m.spinner.Tick, writeConfigCmd(m.result, m.secretStore, m.forceOverwrite))
}

func (m initModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("  Skyguard Setup  ") + "\n\n")

	switch m.step {
	case stepProvider:
		b.WriteString(promptStyle.Render("Step 1/3: Choose the agent's model provider") + "\n\n")
		for i, p := range supportedProviders {
			writeChoice(&b, p, i == m.providerIdx)
		}
		b.WriteString("\n" + dimStyle.Render("↑/↓ to navigate  enter to select  q to quit"))

	case stepAPIKey:
		b.WriteString(promptStyle.Render("Step 2/3: "+m.result.Provider+" API key") + "\n\n")
		m.writeInput(&b)

	case stepGuardrail:
		b.WriteString(promptStyle.Render("Step 3/3: Choose the guardrail") + "\n\n")
		for i, g := range supportedGuardrails {
			writeChoice(&b, fmt.Sprintf("%-7s %s", g.name, dimStyle.Render(g.desc)), i == m.guardrailIdx)
		}
		b.WriteString("\n" + dimStyle.Render("↑/↓ to navigate  enter to select  q to quit"))

	case stepCodexKey:
		b.WriteString(promptStyle.Render("Step 3/3: Codex API key") + "\n\n")
		m.writeInput(&b)

	case stepCodexProject:
		b.WriteString(promptStyle.Render("Step 3/3: Codex project id") + "\n\n")
		m.writeInput(&b)

	case stepSaving:
		b.WriteString(m.spinner.View() + " Saving secrets and config…\n")

	case stepDone:
		b.WriteString(successStyle.Render("  Setup complete!  ") + "\n\n")
		if m.configPath != "" {
			b.WriteString(dimStyle.Render("Config written to: "+m.configPath) + "\n\n")
		}
		b.WriteString("Run " + promptStyle.Render("skyguard kb import <file>") + " to load help articles,\n")
		b.WriteString("then " + promptStyle.Render("skyguard serve") + " and " + promptStyle.Render("skyguard chat") + ".\n")

	case stepError:
		b.WriteString(errorStyle.Render("Setup failed: "+m.errFinal.Error()) + "\n")
	}

	return boxStyle.Render(b.String())
}

func writeChoice(b *strings.Builder, label string, selected bool) {
	if selected {
		b.WriteString(selectedStyle.Render("  > "+label) + "\n")
		return
	}
	b.WriteString(dimStyle.Render("    "+label) + "\n")
}

func (m initModel) writeInput(b *strings.Builder) {
	b.WriteString(m.input.View() + "\n")
	if m.inputErr != "" {
		b.WriteString("\n" + errorStyle.Render("  "+m.inputErr) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("enter to continue  ctrl+c to quit"))
}

func writeConfigCmd(result initResult, store secrets.Store, forceOverwrite bool) tea.Cmd {
	return func() tea.Msg {
		path, err := storeSecretsAndWriteConfig(result, store, forceOverwrite)
		if err != nil {
			return err
		}
		return configWrittenMsg{path: path}
	}
}

// wizardConfig is the subset of the config the wizard writes. Everything
// else keeps its default.
type wizardConfig struct {
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`
	Agent struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"agent"`
	Guardrail struct {
		Backend   string `yaml:"backend"`
		APIKey    string `yaml:"api_key,omitempty"`
		ProjectID string `yaml:"project_id,omitempty"`
	} `yaml:"guardrail"`
}

func secretName(owner string) string { return owner + "-api-key" }

func keyringRef(name string) string {
	return "keyring://" + secrets.DefaultService + "/" + name
}

// GenerateConfigYAML renders the wizard result. API keys are referenced via
// keyring:// URIs; the secrets themselves are stored separately.
func GenerateConfigYAML(result initResult, dataDir string) (string, error) {
	var c wizardConfig
	c.Server.Listen = defaultAddr
	c.Storage.Backend = "sqlite"
	c.Storage.Path = filepath.Join(dataDir, "skyguard.db")
	c.Agent.Provider = result.Provider
	c.Agent.Model = defaultModelForProvider(result.Provider)
	c.Agent.APIKey = keyringRef(secretName(result.Provider))
	c.Guardrail.Backend = result.Guardrail
	if result.Guardrail == "codex" {
		c.Guardrail.APIKey = keyringRef(secretName("codex"))
		c.Guardrail.ProjectID = result.ProjectID
	}

	out, err := yaml.Marshal(&c)
	if err != nil {
		return "", skyerr.Wrap(err, skyerr.CodeCLISetupFailure, "rendering config")
	}
	return "# Skyguard configuration, generated by skyguard init.\n" +
		"# Unset options keep their defaults; see `skyguard doctor`.\n\n" + string(out), nil
}

// defaultModelForProvider returns a sensible default model for a provider.
func defaultModelForProvider(p string) string {
	switch p {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "google":
		return "gemini-2.5-flash"
	default:
		return "gpt-4.1"
	}
}

// storeSecretsAndWriteConfig saves the keys to the OS keyring and writes
// the config YAML. An existing config is only replaced when forceOverwrite
// is set. Secrets stored before a failed write are left in place; a rerun
// overwrites them.
func storeSecretsAndWriteConfig(result initResult, store secrets.Store, forceOverwrite bool) (string, error) {
	cfgPath, err := configPathForWrite()
	if err != nil {
		return "", err
	}
	if !forceOverwrite {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return "", skyerr.Errorf(skyerr.CodeConfigAlreadyExists,
				"config file already exists at %s; use --force to overwrite", cfgPath)
		}
	}

	if err := store.Set(secrets.DefaultService, secretName(result.Provider), result.APIKey); err != nil {
		return "", skyerr.Wrapf(err, skyerr.CodeSecretStoreFailure, "storing %s API key", result.Provider)
	}
	if result.Guardrail == "codex" {
		if err := store.Set(secrets.DefaultService, secretName("codex"), result.CodexKey); err != nil {
			return "", skyerr.Wrap(err, skyerr.CodeSecretStoreFailure, "storing Codex API key")
		}
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", skyerr.Wrapf(err, skyerr.CodeCLISetupFailure, "creating config directory %s", dir)
	}
	content, err := GenerateConfigYAML(result, dir)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		return "", skyerr.Wrapf(err, skyerr.CodeCLISetupFailure, "writing config to %s", cfgPath)
	}
	return cfgPath, nil
}

// configPathForWrite returns where init writes. Overridden in tests.
var configPathForWrite = config.DefaultConfigPath

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long: `Run an interactive wizard that walks you through:
  1. Choosing the agent's model provider (OpenAI, Anthropic)
  2. Storing its API key
  3. Choosing the guardrail (local policy, Cleanlab Codex, none)

API keys are stored in the OS keyring and referenced via keyring:// URIs
in the config file. No secrets are written in plain text.`,
		RunE: runInit,
	}

	cmd.Flags().Bool("force", false, "Overwrite existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !isTerminal(f) {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(),
			"skyguard init requires an interactive terminal.\n"+
				"To configure skyguard non-interactively, edit ~/.config/skyguard/skyguard.yaml and use 'skyguard secret set'.")
		return skyerr.New(skyerr.CodeCLISetupFailure, "skyguard init: not an interactive terminal")
	}

	forceOverwrite, _ := cmd.Flags().GetBool("force")

	m := newInitModel(secretStoreFactory())
	m.forceOverwrite = forceOverwrite

	finalModel, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return skyerr.Wrap(err, skyerr.CodeCLISetupFailure, "init wizard")
	}
	fm, ok := finalModel.(initModel)
	if !ok {
		return skyerr.New(skyerr.CodeCLISetupFailure, "unexpected model type after wizard")
	}
	if fm.errFinal != nil {
		return skyerr.Wrap(fm.errFinal, skyerr.CodeCLISetupFailure, "init failed")
	}
	if fm.step == stepDone {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Config written to "+fm.configPath)
	}
	return nil
}

// isTerminal reports whether f is a terminal file descriptor.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
