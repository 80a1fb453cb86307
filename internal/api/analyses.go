package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/models"
)

// Upload is an image handed to AnalyzeSkin
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AnalyzeSkin uploads an image for analysis. onSent, when non-nil, is called
// once after the request body has been fully handed to the transport. The
// returned result is non-nil only when the backend embeds it in the response.
func (c *Client) AnalyzeSkin(ctx context.Context, up Upload, onSent func()) (string, *models.AnalysisResult, error) {
	const op = "analyze"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(up.Filename)))
	h.Set("Content-Type", up.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindInvalidInput, op, err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return "", nil, apperr.Wrap(apperr.KindInvalidInput, op, err)
	}
	if err := mw.Close(); err != nil {
		return "", nil, apperr.Wrap(apperr.KindInvalidInput, op, err)
	}

	var body io.Reader = &buf
	if onSent != nil {
		body = &sentNotifier{r: &buf, fn: onSent}
	}

	resp, err := c.do(ctx, request{
		op:          op,
		method:      http.MethodPost,
		path:        "/analyze-skin",
		authed:      true,
		body:        body,
		contentType: mw.FormDataContentType(),
	})
	if err != nil {
		return "", nil, err
	}

	root := gjson.ParseBytes(resp)
	id := firstString(root, "analysis_id", "id", "_id")
	if id == "" {
		return "", nil, apperr.New(apperr.KindServer, op, "response did not include an analysis id")
	}
	var embedded *models.AnalysisResult
	if res := root.Get("result"); res.IsObject() && res.Get("predictions").Exists() {
		embedded = parseResult(id, root, res)
	}
	return id, embedded, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// sentNotifier calls fn the first time the wrapped reader reports EOF
type sentNotifier struct {
	r    io.Reader
	fn   func()
	once sync.Once
}

func (s *sentNotifier) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.once.Do(s.fn)
	}
	return n, err
}

// Analysis fetches one stored analysis
func (c *Client) Analysis(ctx context.Context, id string) (*models.AnalysisResult, error) {
	const op = "get_analysis"
	if id == "" {
		return nil, apperr.Validation(op, "analysis id is required")
	}
	body, err := c.do(ctx, request{op: op, method: http.MethodGet, path: "/analyses/" + url.PathEscape(id), authed: true})
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, apperr.New(apperr.KindServer, op, "analysis response is not an object")
	}
	res := root.Get("result")
	if !res.IsObject() {
		res = root
	}
	if found := firstString(root, "id", "_id"); found != "" {
		id = found
	}
	return parseResult(id, root, res), nil
}

// Analyses lists the most recent analyses of the user
func (c *Client) Analyses(ctx context.Context, limit int) ([]models.AnalysisSummary, error) {
	path := "/analyses"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	body, err := c.do(ctx, request{op: "list_analyses", method: http.MethodGet, path: path, authed: true})
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	list := root.Get("analyses")
	if !list.Exists() && root.IsArray() {
		list = root
	}

	out := make([]models.AnalysisSummary, 0, len(list.Array()))
	list.ForEach(func(_, item gjson.Result) bool {
		s := models.AnalysisSummary{
			ID:       firstString(item, "id", "_id", "analysis_id"),
			ImageURL: item.Get("image_url").String(),
			Status:   item.Get("status").String(),
		}
		if t, ok := parseTime(item.Get("created_at").String()); ok {
			s.CreatedAt = &t
		}
		seen := map[string]bool{}
		for _, p := range predictionsOf(item) {
			if p.ClassName != "" && !seen[p.ClassName] {
				seen[p.ClassName] = true
				s.Conditions = append(s.Conditions, p.ClassName)
			}
		}
		out = append(out, s)
		return true
	})
	return out, nil
}

func predictionsOf(item gjson.Result) []models.Prediction {
	preds := item.Get("result.predictions")
	if !preds.Exists() {
		preds = item.Get("predictions")
	}
	return parsePredictions(preds)
}

func parseResult(id string, root, res gjson.Result) *models.AnalysisResult {
	out := &models.AnalysisResult{
		ID:          id,
		Predictions: parsePredictions(res.Get("predictions")),
		ImageURL:    firstString(root, "image_url", "result.image_url"),
	}
	if pt := res.Get("processing_time"); pt.Exists() {
		out.ProcessingTime = pt.Float()
	} else {
		out.ProcessingTime = root.Get("processing_time").Float()
	}
	if t, ok := parseTime(root.Get("created_at").String()); ok {
		out.CreatedAt = &t
	}

	ai := res.Get("ai_explanation")
	if ai.IsObject() {
		exp := ai.Get("explanation")
		if !exp.IsObject() {
			exp = ai
		}
		out.AIExplanation = models.Explanation{
			Success:            ai.Get("success").Bool(),
			FullExplanation:    exp.Get("full_explanation").String(),
			GeneralCondition:   exp.Get("general_condition").String(),
			DetectedIssues:     stringList(exp.Get("detected_issues")),
			Recommendations:    stringList(exp.Get("recommendations")),
			DoctorConsultation: exp.Get("doctor_consultation").String(),
			LifestyleAdvice:    stringList(exp.Get("lifestyle_advice")),
		}
	}
	return out
}

func parsePredictions(v gjson.Result) []models.Prediction {
	var out []models.Prediction
	v.ForEach(func(_, p gjson.Result) bool {
		pred := models.Prediction{
			ClassName:  firstString(p, "class_name", "class", "label"),
			Confidence: p.Get("confidence").Float(),
		}
		box := p.Get("bbox")
		switch {
		case box.IsObject():
			pred.BBox = &models.BBox{
				X:      box.Get("x").Float(),
				Y:      box.Get("y").Float(),
				Width:  box.Get("width").Float(),
				Height: box.Get("height").Float(),
			}
		case box.IsArray() && len(box.Array()) == 4:
			a := box.Array()
			pred.BBox = &models.BBox{
				X:      a[0].Float(),
				Y:      a[1].Float(),
				Width:  a[2].Float() - a[0].Float(),
				Height: a[3].Float() - a[1].Float(),
			}
		}
		out = append(out, pred)
		return true
	})
	return out
}

func stringList(v gjson.Result) []string {
	if v.Type == gjson.String && v.String() != "" {
		return []string{v.String()}
	}
	var out []string
	v.ForEach(func(_, s gjson.Result) bool {
		if s.String() != "" {
			out = append(out, s.String())
		}
		return true
	})
	return out
}
