package kpi

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"time"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// reportTemplate renders the four-thumbnail KPI report spec.md §4.5 step 5
// describes. html/template is the standard library's own answer to HTML
// templating — there is no third-party templating library anywhere in the
// corpus, so this is a deliberate stdlib choice.
var reportTemplate = template.Must(template.New("kpi-report").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>KPI Report {{.ExecutionResultID}}</title></head>
<body>
<h1>KPI Report</h1>
<table>
<tr><td>Execution</td><td>{{.ExecutionResultID}}</td></tr>
<tr><td>Action timestamp</td><td>{{.ActionTimestamp}}</td></tr>
<tr><td>KPI</td><td>{{.KPIMs}} ms</td></tr>
<tr><td>Algorithm</td><td>{{.Algorithm}}</td></tr>
</table>
<h2>Evidence</h2>
<div>
  <figure><img src="{{.BeforeActionThumb}}"><figcaption>Before action</figcaption></figure>
  <figure><img src="{{.AfterActionThumb}}"><figcaption>After action</figcaption></figure>
  <figure><img src="{{.BeforeMatchThumb}}"><figcaption>Before match</figcaption></figure>
  <figure><a href="{{.MatchFullRes}}"><img src="{{.MatchThumb}}"></a><figcaption>Match</figcaption></figure>
</div>
</body>
</html>
`))

type reportData struct {
	ExecutionResultID string
	ActionTimestamp    time.Time
	KPIMs              int64
	Algorithm          string
	BeforeActionThumb  string
	AfterActionThumb   string
	BeforeMatchThumb   string
	MatchThumb         string
	MatchFullRes       string
}

// buildAndUploadReport renders the HTML report, uploads it and the four
// evidence thumbnails under a per-execution prefix, and returns a
// presigned URL to the report.
func (s *Service) buildAndUploadReport(ctx context.Context, req Request, frames []frameCandidate, match *frameCandidate, algorithm string, kpiMs int64) (string, error) {
	if s.uploader == nil {
		return "", nil
	}

	matchIdx := indexOf(frames, match)
	beforeAction := frames[0]
	afterAction := frames[0]
	if len(frames) > 1 {
		afterAction = frames[1]
	}
	beforeMatch := *match
	if matchIdx > 0 {
		beforeMatch = frames[matchIdx-1]
	}

	prefix := fmt.Sprintf("kpi-reports/%s", req.ExecutionResultID)

	beforeActionURL, err := s.uploadThumb(ctx, prefix, "before_action", beforeAction)
	if err != nil {
		return "", err
	}
	afterActionURL, err := s.uploadThumb(ctx, prefix, "after_action", afterAction)
	if err != nil {
		return "", err
	}
	beforeMatchURL, err := s.uploadThumb(ctx, prefix, "before_match", beforeMatch)
	if err != nil {
		return "", err
	}
	matchThumbURL, err := s.uploadThumb(ctx, prefix, "match", *match)
	if err != nil {
		return "", err
	}
	matchFullResURL, err := s.uploadFullRes(ctx, prefix, *match)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = reportTemplate.Execute(&buf, reportData{
		ExecutionResultID: req.ExecutionResultID,
		ActionTimestamp:   req.ActionTimestamp,
		KPIMs:             kpiMs,
		Algorithm:         algorithm,
		BeforeActionThumb: beforeActionURL,
		AfterActionThumb:  afterActionURL,
		BeforeMatchThumb:  beforeMatchURL,
		MatchThumb:        matchThumbURL,
		MatchFullRes:      matchFullResURL,
	})
	if err != nil {
		return "", errors.Newf("render kpi report: %w", err).
			Component("kpi").Category(errors.CategoryKPI).Build()
	}

	reportKey := prefix + "/report.html"
	if err := s.uploader.Put(ctx, reportKey, buf.Bytes(), "text/html"); err != nil {
		return "", errors.Newf("upload kpi report: %w", err).
			Component("kpi").Category(errors.CategoryKPI).Build()
	}
	return s.uploader.PresignGET(ctx, reportKey)
}

func (s *Service) uploadThumb(ctx context.Context, prefix, label string, f frameCandidate) (string, error) {
	src := f.thumbPath
	if src == "" {
		src = f.workingPath
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", errors.Newf("read %s thumbnail: %w", label, err).
			Component("kpi").Category(errors.CategoryFileIO).Build()
	}
	key := fmt.Sprintf("%s/%s.jpg", prefix, label)
	if err := s.uploader.Put(ctx, key, data, "image/jpeg"); err != nil {
		return "", errors.Newf("upload %s thumbnail: %w", label, err).
			Component("kpi").Category(errors.CategoryKPI).Build()
	}
	return s.uploader.PresignGET(ctx, key)
}

func (s *Service) uploadFullRes(ctx context.Context, prefix string, f frameCandidate) (string, error) {
	data, err := os.ReadFile(f.workingPath)
	if err != nil {
		return "", errors.Newf("read match frame: %w", err).
			Component("kpi").Category(errors.CategoryFileIO).Build()
	}
	key := prefix + "/match_full.jpg"
	if err := s.uploader.Put(ctx, key, data, "image/jpeg"); err != nil {
		return "", errors.Newf("upload match frame: %w", err).
			Component("kpi").Category(errors.CategoryKPI).Build()
	}
	return s.uploader.PresignGET(ctx, key)
}

func indexOf(frames []frameCandidate, match *frameCandidate) int {
	for i := range frames {
		if frames[i].path == match.path {
			return i
		}
	}
	return 0
}
