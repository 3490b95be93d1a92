package server

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/render"
	"github.com/gorilla/schema"
)

const (
	responseDirect = "direct"
	responseCloud  = "cloud"
)

var (
	languagePattern = regexp.MustCompile(`^[a-z]{2,3}$`)
	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// uploadParams are the form fields accepted next to a multipart upload.
type uploadParams struct {
	Model          string `schema:"model"`
	Language       string `schema:"language"`
	ResponseFormat string `schema:"response_format"`
	Task           string `schema:"task"`
	WordTimestamps bool   `schema:"word_timestamps"`
	ResponseType   string `schema:"response_type"`
	ID             string `schema:"id"`
}

// mediaParams is the JSON body of the media URL route.
type mediaParams struct {
	MediaURL        string `json:"media_url"`
	Model           string `json:"model"`
	Task            string `json:"task"`
	IncludeText     *bool  `json:"include_text"`
	IncludeSRT      bool   `json:"include_srt"`
	IncludeSegments bool   `json:"include_segments"`
	WordTimestamps  bool   `json:"word_timestamps"`
	ResponseType    string `json:"response_type"`
	Language        string `json:"language"`
	WebhookURL      string `json:"webhook_url"`
	ID              string `json:"id"`
}

// jobParams is the validated, route-independent form of a request.
type jobParams struct {
	Model          string
	Language       string
	Task           domain.Task
	WordTimestamps bool
	Format         render.Format
	Cloud          bool
	ClientID       string
	// Include selects the artifacts of the media route and of cloud delivery.
	Include artifacts
}

type artifacts struct {
	Text     bool
	SRT      bool
	Segments bool
}

func newFormDecoder() *schema.Decoder {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)
	decoder.ZeroEmpty(true)
	return decoder
}

func (d *Dispatcher) decodeUploadParams(values map[string][]string) (jobParams, error) {
	var p uploadParams
	if err := d.decoder.Decode(&p, values); err != nil {
		return jobParams{}, domain.Errorf(domain.KindValidation, err, "invalid form fields: %s", describeSchemaError(err))
	}

	format := render.Format(strings.TrimSpace(p.ResponseFormat))
	if format == "" {
		format = render.FormatJSON
	}
	if !format.Valid() {
		return jobParams{}, domain.Errorf(domain.KindValidation, nil,
			"response_format must be one of json, verbose_json, text, srt, vtt")
	}

	return d.validate(jobParams{
		Model:          p.Model,
		Language:       p.Language,
		Task:           domain.Task(p.Task),
		WordTimestamps: p.WordTimestamps,
		Format:         format,
		Cloud:          p.ResponseType == responseCloud,
		ClientID:       p.ID,
		Include:        artifacts{Text: true, SRT: true, Segments: true},
	}, p.ResponseType)
}

func (d *Dispatcher) validateMediaParams(p mediaParams) (jobParams, error) {
	if strings.TrimSpace(p.MediaURL) == "" {
		return jobParams{}, domain.Errorf(domain.KindValidation, nil, "media_url is required")
	}
	if p.WebhookURL != "" {
		return jobParams{}, domain.Errorf(domain.KindValidation, nil, "webhook_url is not supported; results are returned synchronously")
	}
	return d.validate(jobParams{
		Model:          p.Model,
		Language:       p.Language,
		Task:           domain.Task(p.Task),
		WordTimestamps: p.WordTimestamps,
		Format:         render.FormatJSON,
		Cloud:          p.ResponseType == responseCloud,
		ClientID:       p.ID,
		Include: artifacts{
			Text:     p.IncludeText == nil || *p.IncludeText,
			SRT:      p.IncludeSRT,
			Segments: p.IncludeSegments,
		},
	}, p.ResponseType)
}

func (d *Dispatcher) validate(p jobParams, responseType string) (jobParams, error) {
	var problems []string

	p.Model = strings.TrimSpace(p.Model)
	if p.Model == "" {
		p.Model = d.defaultModel
	}
	if !slices.Contains(d.allowedModels, p.Model) {
		problems = append(problems, fmt.Sprintf("model must be one of %s", strings.Join(d.allowedModels, ", ")))
	}

	p.Language = strings.ToLower(strings.TrimSpace(p.Language))
	if p.Language == "auto" {
		p.Language = ""
	}
	if p.Language != "" && !languagePattern.MatchString(p.Language) {
		problems = append(problems, "language must be an ISO 639-1 code such as en or de")
	}

	switch p.Task {
	case "":
		p.Task = domain.TaskTranscribe
	case domain.TaskTranscribe, domain.TaskTranslate:
	default:
		problems = append(problems, "task must be transcribe or translate")
	}

	switch responseType {
	case "", responseDirect:
	case responseCloud:
		if d.store == nil {
			problems = append(problems, "response_type cloud is not available: no object storage is configured")
		}
	default:
		problems = append(problems, "response_type must be direct or cloud")
	}

	if p.ClientID != "" && !clientIDPattern.MatchString(p.ClientID) {
		problems = append(problems, "id may only contain letters, digits, '.', '_', ':' and '-'")
	}

	if len(problems) > 0 {
		return jobParams{}, domain.Errorf(domain.KindValidation, nil, "%s", strings.Join(problems, "; "))
	}
	return p, nil
}

func describeSchemaError(err error) string {
	var multi schema.MultiError
	if errors.As(err, &multi) {
		keys := make([]string, 0, len(multi))
		for key := range multi {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		return "unexpected or malformed " + strings.Join(keys, ", ")
	}
	return "malformed form data"
}
