package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/download"
	"github.com/fmueller/voxscribe/internal/jobs"
	"github.com/fmueller/voxscribe/internal/media"
	"github.com/fmueller/voxscribe/internal/render"
	"github.com/fmueller/voxscribe/internal/transcribe"
	"go.uber.org/zap"
)

// WorkerExitingHeader is set on a response after which the worker process
// shuts down.
const WorkerExitingHeader = "X-Voxscribe-Worker-Exiting"

// JobIDHeader carries the job identifier on every response of a started job,
// failed or not.
const JobIDHeader = "X-Job-ID"

const (
	maxFieldBytes     = 4 << 10
	maxMediaBodyBytes = 64 << 10
)

// mediaSource produces the job input inside the job's work directory.
type mediaSource func(ctx context.Context, dir string) (domain.MediaReference, error)

type outcome struct {
	transcript domain.Transcript
	// links maps artifact names to their object storage URLs.
	links map[string]string
}

func (d *Dispatcher) handleUpload(w http.ResponseWriter, r *http.Request) {
	if d.tracker.Busy() {
		WriteError(w, busyError())
		return
	}

	jobDir, err := os.MkdirTemp(d.workDir, "job-*")
	if err != nil {
		WriteError(w, domain.NewError(domain.KindInternal, "could not allocate a work directory", err))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, d.maxUploadBytes)
	ref, values, err := d.receiveUpload(r, jobDir)
	if err == nil {
		var params jobParams
		params, err = d.decodeUploadParams(values)
		if err == nil {
			d.run(w, r, params, jobDir, func(context.Context, string) (domain.MediaReference, error) {
				return ref, nil
			})
			return
		}
	}
	_ = os.RemoveAll(jobDir)
	WriteError(w, err)
}

// receiveUpload streams the multipart body. The file part goes straight to
// disk; every other part is collected as a form value.
func (d *Dispatcher) receiveUpload(r *http.Request, dir string) (domain.MediaReference, map[string][]string, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return domain.MediaReference{}, nil, domain.Errorf(domain.KindValidation, err, "request must be multipart/form-data with a file field")
	}

	values := map[string][]string{}
	var ref domain.MediaReference
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.MediaReference{}, nil, uploadError(err)
		}

		name := part.FormName()
		switch {
		case name == "file" && part.FileName() != "":
			if ref.Path != "" {
				_ = part.Close()
				return domain.MediaReference{}, nil, domain.Errorf(domain.KindValidation, nil, "exactly one file is accepted per request")
			}
			ref, err = saveUploadPart(part, dir)
			if err != nil {
				return domain.MediaReference{}, nil, err
			}
		case name != "":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			if err != nil {
				_ = part.Close()
				return domain.MediaReference{}, nil, uploadError(err)
			}
			if len(value) > maxFieldBytes {
				_ = part.Close()
				return domain.MediaReference{}, nil, domain.Errorf(domain.KindValidation, nil, "form field %q is too long", name)
			}
			values[name] = append(values[name], string(value))
		}
		_ = part.Close()
	}

	if ref.Path == "" {
		return domain.MediaReference{}, nil, domain.Errorf(domain.KindValidation, nil, "file is required")
	}
	return ref, values, nil
}

func saveUploadPart(part *multipart.Part, dir string) (domain.MediaReference, error) {
	path := filepath.Join(dir, "upload"+media.SafeExt(part.FileName()))
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return domain.MediaReference{}, domain.NewError(domain.KindInternal, "could not store upload", err)
	}
	n, err := io.Copy(out, part)
	closeErr := out.Close()
	if err != nil {
		return domain.MediaReference{}, uploadError(err)
	}
	if closeErr != nil {
		return domain.MediaReference{}, domain.NewError(domain.KindInternal, "could not store upload", closeErr)
	}
	if n == 0 {
		return domain.MediaReference{}, domain.Errorf(domain.KindValidation, nil, "uploaded file is empty")
	}
	return domain.MediaReference{Path: path, Name: part.FileName()}, nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return domain.Errorf(domain.KindValidation, err, "upload exceeds the limit of %d bytes", tooLarge.Limit)
	}
	return domain.Errorf(domain.KindValidation, err, "malformed multipart body")
}

func (d *Dispatcher) handleMediaURL(w http.ResponseWriter, r *http.Request) {
	if d.tracker.Busy() {
		WriteError(w, busyError())
		return
	}

	var body mediaParams
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMediaBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		WriteError(w, domain.Errorf(domain.KindValidation, err, "request body must be a JSON object: %s", err.Error()))
		return
	}
	params, err := d.validateMediaParams(body)
	if err != nil {
		WriteError(w, err)
		return
	}

	jobDir, err := os.MkdirTemp(d.workDir, "job-*")
	if err != nil {
		WriteError(w, domain.NewError(domain.KindInternal, "could not allocate a work directory", err))
		return
	}
	d.run(w, r, params, jobDir, d.fetchSource(body.MediaURL))
}

func (d *Dispatcher) fetchSource(rawURL string) mediaSource {
	return func(ctx context.Context, dir string) (domain.MediaReference, error) {
		path := filepath.Join(dir, "remote"+media.SafeExt(rawURL))
		_, err := download.Fetch(ctx, download.FetchOptions{
			URL:         rawURL,
			Destination: path,
			MaxBytes:    d.maxUploadBytes,
			HTTPClient:  d.httpClient,
			Logger:      d.logger,
		})
		if err == nil {
			return domain.MediaReference{Path: path, Name: rawURL}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.MediaReference{}, ctxErr
		}

		var status *download.StatusError
		switch {
		case errors.Is(err, download.ErrTooLarge):
			return domain.MediaReference{}, domain.Errorf(domain.KindValidation, err, "media exceeds the limit of %d bytes", d.maxUploadBytes)
		case errors.As(err, &status):
			return domain.MediaReference{}, domain.Errorf(domain.KindValidation, err, "media_url returned HTTP %d", status.StatusCode)
		default:
			return domain.MediaReference{}, domain.Errorf(domain.KindValidation, err, "could not fetch media_url")
		}
	}
}

// run executes one job under the request's time budget and writes the
// response. It owns jobDir from here on.
func (d *Dispatcher) run(w http.ResponseWriter, r *http.Request, params jobParams, jobDir string, src mediaSource) {
	job, err := d.tracker.Begin(domain.Job{ID: d.newID(), Model: params.Model, Language: params.Language})
	if err != nil {
		_ = os.RemoveAll(jobDir)
		if errors.Is(err, jobs.ErrJobAlreadyRunning) {
			err = busyError()
		}
		WriteError(w, err)
		return
	}
	w.Header().Set(JobIDHeader, job.ID)

	logger := d.logger.With(zap.String("job_id", job.ID), zap.String("model", job.Model), zap.Int("worker", d.slot))
	if params.ClientID != "" {
		logger = logger.With(zap.String("client_id", params.ClientID))
	}
	started := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), d.requestTimeout)
	defer cancel()

	type result struct {
		out outcome
		err error
	}
	done := make(chan result, 1)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		out, err := d.pipeline(ctx, job, params, jobDir, src)
		if rmErr := os.RemoveAll(jobDir); rmErr != nil {
			logger.Warn("could not remove job directory", zap.String("dir", jobDir), zap.Error(rmErr))
		}
		status := domain.JobStatusSucceeded
		if err != nil {
			status = domain.JobStatusFailed
		}
		if trErr := d.tracker.Transition(job.ID, status); trErr != nil {
			logger.Warn("job state transition rejected", zap.Error(trErr))
		}
		done <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// A result that raced the deadline still wins.
		select {
		case res = <-done:
		default:
			res.err = domain.Errorf(domain.KindTimeout, ctx.Err(), "transcription did not finish within %s", d.requestTimeout)
		}
	}

	elapsed := zap.Duration("elapsed", time.Since(started))
	if res.err != nil {
		err := classify(res.err)
		logger.Warn("job failed", elapsed, zap.String("error_kind", string(domain.KindOf(err))), zap.Error(err))
		fatal := domain.IsFatal(err) && d.onFatal != nil
		if fatal {
			w.Header().Set(WorkerExitingHeader, "1")
		}
		WriteError(w, err)
		if fatal {
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			d.fatal(err)
		}
		return
	}

	logger.Info("job succeeded", elapsed,
		zap.Int("segments", len(res.out.transcript.Segments)),
		zap.Duration("audio", res.out.transcript.Duration),
		zap.String("language", res.out.transcript.Language),
	)
	d.respond(w, r, job.ID, params, res.out)
}

// pipeline runs source, model lookup, normalisation and inference in order.
// Any stage error ends the job; no partial transcript is produced.
func (d *Dispatcher) pipeline(ctx context.Context, job domain.Job, params jobParams, dir string, src mediaSource) (outcome, error) {
	if err := d.tracker.Transition(job.ID, domain.JobStatusRunning); err != nil {
		return outcome{}, domain.NewError(domain.KindInternal, "job could not start", err)
	}

	ref, err := src(ctx, dir)
	if err != nil {
		return outcome{}, err
	}

	model, err := d.models.Get(params.Model)
	if err != nil {
		return outcome{}, err
	}

	buf, err := d.normalizer.Normalize(ctx, ref, media.Target{SampleRate: d.sampleRate, Channels: 1})
	if err != nil {
		return outcome{}, err
	}

	transcript, err := d.engine.Transcribe(ctx, buf, model, transcribe.Options{
		Language:       params.Language,
		Task:           params.Task,
		WordTimestamps: params.WordTimestamps,
	})
	if err != nil {
		return outcome{}, err
	}

	out := outcome{transcript: transcript}
	if params.Cloud {
		out.links, err = d.publish(ctx, job.ID, params, transcript)
		if err != nil {
			return outcome{}, err
		}
	}
	return out, nil
}

// publish uploads the selected artifacts and returns their URLs by name.
func (d *Dispatcher) publish(ctx context.Context, jobID string, params jobParams, t domain.Transcript) (map[string]string, error) {
	type artifact struct {
		name        string
		file        string
		contentType string
		body        func() ([]byte, error)
	}
	var uploads []artifact
	if params.Include.Text {
		uploads = append(uploads, artifact{"text", "transcript.txt", render.FormatText.ContentType(), func() ([]byte, error) {
			s, err := render.String(render.FormatText, t)
			return []byte(s), err
		}})
	}
	if params.Include.SRT {
		uploads = append(uploads, artifact{"srt", "transcript.srt", render.FormatSRT.ContentType(), func() ([]byte, error) {
			s, err := render.String(render.FormatSRT, t)
			return []byte(s), err
		}})
	}
	if params.Include.Segments {
		uploads = append(uploads, artifact{"segments", "segments.json", "application/json", func() ([]byte, error) {
			return json.Marshal(newSegments(t.Segments, params.WordTimestamps))
		}})
	}

	links := make(map[string]string, len(uploads))
	for _, a := range uploads {
		body, err := a.body()
		if err != nil {
			return nil, domain.NewError(domain.KindInternal, "could not render "+a.name, err)
		}
		url, err := d.store.Put(ctx, fmt.Sprintf("%s/%s", jobID, a.file), a.contentType, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.NewError(domain.KindInternal, "could not upload "+a.name+" to object storage", err)
		}
		links[a.name] = url
	}
	return links, nil
}

func (d *Dispatcher) fatal(err error) {
	if d.onFatal == nil {
		return
	}
	d.fatalOnce.Do(func() {
		d.logger.Error("fatal worker error, requesting restart", zap.Int("worker", d.slot), zap.Error(err))
		d.onFatal(err)
	})
}

func busyError() error {
	return domain.Errorf(domain.KindResourceExhausted, nil, "worker is busy with another job")
}
