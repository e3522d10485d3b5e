// Package phone is the Twilio transport. Incoming calls are answered with
// TwiML that connects a Media Stream; the stream carries 8kHz µ-law audio both
// ways over a WebSocket. Calls can optionally be recorded through the REST API,
// with finished recordings copied to the archive.
package phone

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/kb-voice-agent/internal/bot"
	"github.com/chadiek/kb-voice-agent/internal/store"
)

// Transport names this transport in status and metrics.
const Transport = "phone"

const (
	voicePath           = "/twilio/voice"
	streamPath          = "/twilio/stream"
	recordingStatusPath = "/twilio/recording-status"
	downloadTimeout     = 30 * time.Second
)

// Config holds the Twilio account settings.
type Config struct {
	AccountSID string
	AuthToken  string
	// Record starts a call recording when the media stream begins.
	Record bool
	// PublicBaseURL is the externally reachable base URL, e.g. an ngrok URL.
	PublicBaseURL string
}

// Service serves the Twilio webhooks and media streams.
type Service struct {
	cfg     Config
	runner  *bot.Runner
	archive store.Archive
	http    *resty.Client
	// record starts a recording on an in-progress call.
	record func(callSID, callbackURL string) error
}

// New builds the service. archive may be nil when recordings are not kept.
func New(cfg Config, runner *bot.Runner, archive store.Archive) *Service {
	if archive == nil {
		archive = store.Nop{}
	}
	s := &Service{
		cfg:     cfg,
		runner:  runner,
		archive: archive,
		http: resty.New().
			SetTimeout(downloadTimeout).
			SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
			SetLogger(log.Default()),
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	s.record = func(callSID, callbackURL string) error {
		params := &twilioApi.CreateCallRecordingParams{}
		params.SetRecordingStatusCallback(callbackURL)
		params.SetRecordingStatusCallbackMethod("POST")
		params.SetRecordingStatusCallbackEvent([]string{"completed"})
		params.SetRecordingChannels("dual")
		if _, err := rest.Api.CreateCallRecording(callSID, params); err != nil {
			return fmt.Errorf("start recording: %w", err)
		}
		return nil
	}
	return s
}

// RegisterHandlers mounts the webhook and stream routes.
func (s *Service) RegisterHandlers(e *echo.Echo) {
	verify := Middleware(s.cfg.AuthToken, s.cfg.PublicBaseURL)
	e.POST(voicePath, s.handleVoice, verify)
	e.POST(recordingStatusPath, s.handleRecordingStatus, verify)
	e.GET(streamPath, s.handleStream)
}

// handleVoice answers an incoming call by connecting it to the media stream.
// The tenant comes from the webhook URL's business_id query parameter.
func (s *Service) handleVoice(c echo.Context) error {
	params := Params(c)
	businessID := c.QueryParam("business_id")
	if businessID == "" {
		businessID = s.runner.BusinessID()
	}
	log.Info("incoming call", "from", params["From"], "call_sid", params["CallSid"], "business_id", businessID)

	stream := &twiml.VoiceStream{
		Url:  websocketURL(publicURL(c.Request(), s.cfg.PublicBaseURL, streamPath)),
		Name: params["CallSid"],
	}
	if businessID != "" {
		stream.InnerElements = []twiml.Element{&twiml.VoiceParameter{Name: "business_id", Value: businessID}}
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	response, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

// startRecording asks Twilio to record callSID in the background.
func (s *Service) startRecording(r *http.Request, callSID string) {
	if !s.cfg.Record || callSID == "" {
		return
	}
	if s.cfg.AccountSID == "" {
		log.Warn("TWILIO_ACCOUNT_SID not set - call not recorded", "call_sid", callSID)
		return
	}
	callback := publicURL(r, s.cfg.PublicBaseURL, recordingStatusPath)
	go func() {
		if err := s.record(callSID, callback); err != nil {
			log.Error("recording not started", "call_sid", callSID, "err", err)
			return
		}
		log.Info("recording started", "call_sid", callSID)
	}()
}

func (s *Service) handleRecordingStatus(c echo.Context) error {
	params := Params(c)
	status := params["RecordingStatus"]
	recordingURL := params["RecordingUrl"]
	recordingSID := params["RecordingSid"]
	log.Info("recording status", "status", status, "recording_sid", recordingSID, "call_sid", params["CallSid"])

	if status == "completed" && recordingURL != "" {
		key := recordingKey(recordingSID, time.Now())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
			defer cancel()
			if err := s.archiveRecording(ctx, recordingURL, key); err != nil {
				log.Error("recording archive failed", "recording_sid", recordingSID, "err", err)
				return
			}
			log.Info("recording archived", "key", key)
		}()
	}
	return c.String(http.StatusOK, "OK")
}

// archiveRecording downloads the WAV rendition of a recording and uploads it.
func (s *Service) archiveRecording(ctx context.Context, recordingURL, key string) error {
	resp, err := s.http.R().SetContext(ctx).Get(recordingURL + ".wav")
	if err != nil {
		return fmt.Errorf("download recording: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("download recording: status %d", resp.StatusCode())
	}
	return s.archive.Upload(ctx, key, "audio/wav", resp.Body())
}

func recordingKey(recordingSID string, at time.Time) string {
	return fmt.Sprintf("recordings/%s/%s.wav", at.UTC().Format("2006-01-02"), recordingSID)
}
