package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Dzakiart19/hostingtele/internal/domain"
)

const (
	pythonBaseImage = "python:3.10-slim"
	nodeBaseImage   = "node:18-alpine"
)

var pythonEntryCandidates = []string{"main.py", "bot.py", "app.py", "run.py"}

var errNoEntryPoint = errors.New("no python entry point found")

// recipe is the generated build plan for a workspace.
type recipe struct {
	Runtime domain.RuntimeKind
	Install string
	Command []string
}

func (r recipe) metadata() map[string]any {
	return map[string]any{
		"runtime": string(r.Runtime),
		"install": r.Install,
		"command": strings.Join(r.Command, " "),
	}
}

type npmManifest struct {
	Main    string            `json:"main"`
	Scripts map[string]string `json:"scripts"`
}

// prepareRecipe detects how to run the extracted program and writes the
// Dockerfile. Any tenant supplied Dockerfile is replaced.
func prepareRecipe(workdir string, kind domain.RuntimeKind) (recipe, error) {
	if err := removeTenantDockerfiles(workdir); err != nil {
		return recipe{}, err
	}
	var (
		r   recipe
		err error
	)
	switch kind {
	case domain.RuntimePython:
		r, err = pythonRecipe(workdir)
	case domain.RuntimeNode:
		r, err = nodeRecipe(workdir)
	default:
		err = fmt.Errorf("unsupported runtime %q", kind)
	}
	if err != nil {
		return recipe{}, err
	}
	content := renderDockerfile(r)
	if err := os.WriteFile(filepath.Join(workdir, "Dockerfile"), []byte(content), 0o644); err != nil {
		return recipe{}, fmt.Errorf("write dockerfile: %w", err)
	}
	return r, nil
}

func pythonRecipe(workdir string) (recipe, error) {
	entry, err := pythonEntryPoint(workdir)
	if err != nil {
		return recipe{}, err
	}
	return recipe{
		Runtime: domain.RuntimePython,
		Install: "pip install --no-cache-dir -r requirements.txt",
		Command: []string{"python", entry},
	}, nil
}

func pythonEntryPoint(workdir string) (string, error) {
	for _, name := range pythonEntryCandidates {
		if fileExists(filepath.Join(workdir, name)) {
			return name, nil
		}
	}
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return "", fmt.Errorf("read workspace: %w", err)
	}
	var scripts []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py") {
			continue
		}
		scripts = append(scripts, entry.Name())
	}
	if len(scripts) == 0 {
		return "", errNoEntryPoint
	}
	sort.Strings(scripts)
	return scripts[0], nil
}

func nodeRecipe(workdir string) (recipe, error) {
	data, err := os.ReadFile(filepath.Join(workdir, manifestNode))
	if err != nil {
		return recipe{}, fmt.Errorf("read %s: %w", manifestNode, err)
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return recipe{}, fmt.Errorf("invalid %s: %w", manifestNode, err)
	}
	r := recipe{Runtime: domain.RuntimeNode, Install: "npm install --omit=dev"}
	if fileExists(filepath.Join(workdir, "package-lock.json")) {
		r.Install = "npm ci"
	}
	if strings.TrimSpace(manifest.Scripts["start"]) != "" {
		r.Command = []string{"npm", "start"}
		return r, nil
	}
	main := strings.TrimSpace(manifest.Main)
	if main == "" {
		main = "index.js"
	}
	r.Command = []string{"node", main}
	return r, nil
}

func renderDockerfile(r recipe) string {
	var b strings.Builder
	switch r.Runtime {
	case domain.RuntimePython:
		b.WriteString("FROM " + pythonBaseImage + "\n")
		b.WriteString("WORKDIR /app\n")
		b.WriteString("ENV PYTHONUNBUFFERED=1\n\n")
		b.WriteString("COPY requirements.txt ./\n")
		b.WriteString("RUN " + r.Install + "\n\n")
	case domain.RuntimeNode:
		b.WriteString("FROM " + nodeBaseImage + "\n")
		b.WriteString("WORKDIR /app\n")
		b.WriteString("ENV NODE_ENV=production\n\n")
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN " + r.Install + "\n\n")
	}
	b.WriteString("COPY . ./\n")
	b.WriteString("CMD " + execForm(r.Command) + "\n")
	return b.String()
}

func execForm(command []string) string {
	quoted := make([]string, len(command))
	for i, part := range command {
		quoted[i] = strconv.Quote(part)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func removeTenantDockerfiles(workdir string) error {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return fmt.Errorf("read workspace: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(entry.Name(), "dockerfile") {
			continue
		}
		if err := os.Remove(filepath.Join(workdir, entry.Name())); err != nil {
			return fmt.Errorf("remove tenant dockerfile: %w", err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
