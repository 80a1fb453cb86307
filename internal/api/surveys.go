package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/models"
)

// SubmitSurvey stores the onboarding questionnaire
func (c *Client) SubmitSurvey(ctx context.Context, answers models.SurveyAnswers) (*models.SurveyRecord, error) {
	r, err := jsonRequest("submit_survey", http.MethodPost, "/surveys", true, answers)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	return decodeSurvey("submit_survey", body)
}

// SurveyStatus asks the backend whether the survey has been completed
func (c *Client) SurveyStatus(ctx context.Context) (bool, error) {
	body, err := c.do(ctx, request{op: "survey_status", method: http.MethodGet, path: "/surveys/status", authed: true})
	if err != nil {
		return false, err
	}
	v := gjson.GetBytes(body, "survey_completed")
	if !v.Exists() {
		v = gjson.GetBytes(body, "completed")
	}
	return v.Bool(), nil
}

// MySurvey returns the stored survey, or nil when none exists
func (c *Client) MySurvey(ctx context.Context) (*models.SurveyRecord, error) {
	body, err := c.do(ctx, request{op: "get_survey", method: http.MethodGet, path: "/surveys/me", authed: true})
	if apperr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSurvey("get_survey", body)
}

func decodeSurvey(op string, body []byte) (*models.SurveyRecord, error) {
	var rec models.SurveyRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, apperr.Wrap(apperr.KindServer, op, fmt.Errorf("invalid survey: %w", err))
	}
	if rec.ID == "" {
		rec.ID = gjson.GetBytes(body, "_id").String()
	}
	if rec.Responses == nil {
		if raw := gjson.GetBytes(body, "responses"); !raw.Exists() {
			var all map[string]any
			if err := json.Unmarshal(body, &all); err == nil {
				delete(all, "id")
				delete(all, "_id")
				rec.Responses = all
			}
		}
	}
	return &rec, nil
}
