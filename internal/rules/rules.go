// Package rules validates and applies mutation rules to a workspace tree.
package rules

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"packline/internal/domain"
	"packline/internal/sandbox"
)

// Validate checks every rule and returns per-rule, per-field errors. Rules
// are validated before a task is created; Apply assumes a valid rule.
func Validate(rules []domain.Rule) []domain.ValidationError {
	var errs []domain.ValidationError
	for i, r := range rules {
		errs = append(errs, validateTargetPath(i, r.TargetPath)...)
		switch r.Type {
		case domain.RuleText:
			errs = append(errs, validateTextRule(i, r)...)
		case domain.RuleBinary:
			errs = append(errs, validateBinaryRule(i, r)...)
		default:
			errs = append(errs, domain.ValidationError{
				RuleIndex: i,
				Field:     "type",
				Message:   fmt.Sprintf("unknown rule type %q", r.Type),
			})
		}
	}
	return errs
}

func validateTargetPath(index int, target string) []domain.ValidationError {
	if strings.TrimSpace(target) == "" {
		return []domain.ValidationError{{RuleIndex: index, Field: "target_path", Message: "target_path must not be empty"}}
	}
	var errs []domain.ValidationError
	if strings.Contains(target, "..") {
		errs = append(errs, domain.ValidationError{RuleIndex: index, Field: "target_path", Message: "target_path must not contain '..'"})
	}
	if strings.HasPrefix(target, "/") {
		errs = append(errs, domain.ValidationError{RuleIndex: index, Field: "target_path", Message: "target_path must be relative"})
	}
	return errs
}

func validateTextRule(index int, r domain.Rule) []domain.ValidationError {
	if strings.TrimSpace(r.Pattern) == "" {
		return []domain.ValidationError{{RuleIndex: index, Field: "pattern", Message: "pattern must not be empty"}}
	}
	if r.UseRegex {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return []domain.ValidationError{{RuleIndex: index, Field: "pattern", Message: fmt.Sprintf("invalid regular expression: %v", err)}}
		}
	}
	return nil
}

func validateBinaryRule(index int, r domain.Rule) []domain.ValidationError {
	if strings.TrimSpace(r.Payload) == "" {
		return []domain.ValidationError{{RuleIndex: index, Field: "payload", Message: "payload must not be empty"}}
	}
	if _, err := base64.StdEncoding.DecodeString(r.Payload); err != nil {
		return []domain.ValidationError{{RuleIndex: index, Field: "payload", Message: "payload is not valid base64"}}
	}
	return nil
}

// Apply runs one rule against the workspace root. A missing target file is a
// non-fatal miss recorded in the result; the caller continues with the next
// rule. Any other error (sandbox violation, I/O failure, undecodable
// payload) is returned as an error and aborts the whole task.
func Apply(root string, r domain.Rule, index int) (domain.RuleResult, error) {
	target, err := sandbox.Resolve(root, r.TargetPath)
	if err != nil {
		return domain.RuleResult{}, fmt.Errorf("rule %d: %w", index, err)
	}
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return domain.RuleResult{
			Index:   index,
			Success: false,
			Message: fmt.Sprintf("target not found: %s", r.TargetPath),
		}, nil
	}
	if err != nil {
		return domain.RuleResult{}, fmt.Errorf("rule %d: stat %s: %w", index, r.TargetPath, err)
	}
	if info.IsDir() {
		return domain.RuleResult{}, fmt.Errorf("rule %d: target %s is a directory", index, r.TargetPath)
	}

	switch r.Type {
	case domain.RuleText:
		if err := applyText(target, info.Mode(), r); err != nil {
			return domain.RuleResult{}, fmt.Errorf("rule %d: %w", index, err)
		}
		return domain.RuleResult{Index: index, Success: true, Message: fmt.Sprintf("text substitution applied: %s", r.TargetPath)}, nil
	case domain.RuleBinary:
		if err := applyBinary(target, info.Mode(), r); err != nil {
			return domain.RuleResult{}, fmt.Errorf("rule %d: %w", index, err)
		}
		return domain.RuleResult{Index: index, Success: true, Message: fmt.Sprintf("binary content replaced: %s", r.TargetPath)}, nil
	default:
		return domain.RuleResult{}, fmt.Errorf("rule %d: unknown rule type %q", index, r.Type)
	}
}

func applyText(target string, mode os.FileMode, r domain.Rule) error {
	data, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("read %s: %w", target, err)
	}
	content := string(data)
	var replaced string
	if r.UseRegex {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			// Rules are validated before task creation; an invalid
			// pattern here means the caller skipped validation.
			return fmt.Errorf("compile pattern: %w", err)
		}
		replaced = re.ReplaceAllString(content, r.Replacement)
	} else {
		replaced = strings.ReplaceAll(content, r.Pattern, r.Replacement)
	}
	return writeAtomic(target, []byte(replaced), mode)
}

func applyBinary(target string, mode os.FileMode, r domain.Rule) error {
	payload, err := base64.StdEncoding.DecodeString(r.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return writeAtomic(target, payload, mode)
}

// writeAtomic replaces the target via write-temp-then-rename so a crash
// mid-write never leaves a half-written file in the workspace.
func writeAtomic(target string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".packline-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", target, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename over %s: %w", target, err)
	}
	return nil
}
