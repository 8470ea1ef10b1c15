package rules

import (
	"sort"

	"github.com/tomshen124/ocr-server/internal/model"
)

// assemble walks ctx.Materials in code-sorted order, not map-iteration
// order: spec §4.5 requires byte-identical output for a given
// (RuleConfig.version, context), and Go map iteration order is randomised
// per-process, so the result slice's material ordering must not depend on
// it.
func (e *Engine) assemble(ctx EvalContext, findingsByMaterial map[string][]model.Finding, failedMaterials map[string]bool) ([]model.MaterialResult, model.MaterialStatus) {
	codes := make([]string, 0, len(ctx.Materials))
	for code := range ctx.Materials {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var results []model.MaterialResult
	overall := model.StatusPassed

	for _, code := range codes {
		mat := ctx.Materials[code]
		findings := findingsByMaterial[code]
		status := statusFor(findings, failedMaterials[code])
		results = append(results, model.MaterialResult{
			Code:     code,
			OCRText:  mat.OCRText,
			OCRLines: mat.OCRLines,
			Status:   status,
			Findings: findings,
		})
		overall = worstStatus(overall, status)
	}

	if unscoped := findingsByMaterial[""]; len(unscoped) > 0 {
		overall = worstStatus(overall, model.StatusFailed)
	}

	// Findings for a material absent from ctx.Materials have no result to
	// attach to, but they still count toward the overall verdict.
	for code, findings := range findingsByMaterial {
		if _, present := ctx.Materials[code]; !present && code != "" {
			overall = worstStatus(overall, statusFor(findings, failedMaterials[code]))
		}
	}

	return results, overall
}

func statusFor(findings []model.Finding, forcedFail bool) model.MaterialStatus {
	if forcedFail {
		return model.StatusFailed
	}
	status := model.StatusPassed
	for _, f := range findings {
		switch f.Severity {
		case model.SeverityError:
			return model.StatusFailed
		case model.SeverityWarning:
			status = model.StatusWarning
		}
	}
	return status
}

// worstStatus orders Failed > Warning > Skipped > Passed.
func worstStatus(a, b model.MaterialStatus) model.MaterialStatus {
	rank := func(s model.MaterialStatus) int {
		switch s {
		case model.StatusFailed:
			return 3
		case model.StatusWarning:
			return 2
		case model.StatusSkipped:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
