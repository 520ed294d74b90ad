package rules_test

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"packline/internal/domain"
	"packline/internal/rules"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	target := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return target
}

func TestLiteralSubstitution(t *testing.T) {
	root := t.TempDir()
	target := writeFile(t, root, "scripts/main.lua", "OldName calls OldName and OldName again\nuntouched line\n")

	res, err := rules.Apply(root, domain.Rule{
		Type:        domain.RuleText,
		TargetPath:  "scripts/main.lua",
		Pattern:     "OldName",
		Replacement: "NewName",
	}, 0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Success || res.Index != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	data, _ := os.ReadFile(target)
	content := string(data)
	if strings.Count(content, "NewName") != 3 || strings.Contains(content, "OldName") {
		t.Fatalf("unexpected content %q", content)
	}
	if !strings.Contains(content, "untouched line\n") {
		t.Fatalf("bytes outside matches changed: %q", content)
	}
}

func TestRegexSubstitution(t *testing.T) {
	root := t.TempDir()
	target := writeFile(t, root, "version.txt", "v1 v22 x")

	res, err := rules.Apply(root, domain.Rule{
		Type:        domain.RuleText,
		TargetPath:  "version.txt",
		Pattern:     "v[0-9]+",
		Replacement: "V",
		UseRegex:    true,
	}, 2)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Success || res.Index != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "V V x" {
		t.Fatalf("got %q want %q", string(data), "V V x")
	}
}

func TestBinaryReplacement(t *testing.T) {
	root := t.TempDir()
	target := writeFile(t, root, "assets/logo.png", "old bytes")
	payload := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0x01}

	res, err := rules.Apply(root, domain.Rule{
		Type:       domain.RuleBinary,
		TargetPath: "assets/logo.png",
		Payload:    base64.StdEncoding.EncodeToString(payload),
	}, 1)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	data, _ := os.ReadFile(target)
	if !bytes.Equal(data, payload) {
		t.Fatalf("got %v want %v", data, payload)
	}
}

func TestMissingTargetIsNonFatal(t *testing.T) {
	root := t.TempDir()
	res, err := rules.Apply(root, domain.Rule{
		Type:        domain.RuleText,
		TargetPath:  "does/not/exist.txt",
		Pattern:     "a",
		Replacement: "b",
	}, 4)
	if err != nil {
		t.Fatalf("miss must not be fatal: %v", err)
	}
	if res.Success || res.Index != 4 || !strings.Contains(res.Message, "target not found") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTraversalTargetIsFatal(t *testing.T) {
	root := t.TempDir()
	if _, err := rules.Apply(root, domain.Rule{
		Type:        domain.RuleText,
		TargetPath:  "../escape.txt",
		Pattern:     "a",
		Replacement: "b",
	}, 0); err == nil {
		t.Fatalf("expected fatal error for traversal target")
	}
}

func TestPreservesFileMode(t *testing.T) {
	root := t.TempDir()
	target := writeFile(t, root, "bin/run.sh", "echo OldName")
	if err := os.Chmod(target, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := rules.Apply(root, domain.Rule{
		Type:        domain.RuleText,
		TargetPath:  "bin/run.sh",
		Pattern:     "OldName",
		Replacement: "NewName",
	}, 0); err != nil {
		t.Fatalf("apply: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("mode changed to %v", info.Mode().Perm())
	}
}

func TestValidate(t *testing.T) {
	errs := rules.Validate([]domain.Rule{
		{Type: domain.RuleText, TargetPath: "ok.txt", Pattern: "a", Replacement: "b"},
		{Type: domain.RuleText, TargetPath: "", Pattern: "a"},
		{Type: domain.RuleText, TargetPath: "../x", Pattern: "a"},
		{Type: domain.RuleText, TargetPath: "/abs", Pattern: "a"},
		{Type: domain.RuleText, TargetPath: "x.txt", Pattern: ""},
		{Type: domain.RuleText, TargetPath: "x.txt", Pattern: "[", UseRegex: true},
		{Type: domain.RuleBinary, TargetPath: "x.png", Payload: ""},
		{Type: domain.RuleBinary, TargetPath: "x.png", Payload: "not base64!!"},
		{Type: "script", TargetPath: "x.txt"},
	})
	byRule := map[int][]string{}
	for _, e := range errs {
		byRule[e.RuleIndex] = append(byRule[e.RuleIndex], e.Field)
	}
	if len(byRule[0]) != 0 {
		t.Fatalf("rule 0 should be valid: %v", byRule[0])
	}
	for i := 1; i <= 8; i++ {
		if len(byRule[i]) == 0 {
			t.Fatalf("rule %d should have errors", i)
		}
	}
}
