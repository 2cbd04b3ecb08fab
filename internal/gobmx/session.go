package gobmx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"curpsweep/internal/combi"
	"curpsweep/internal/curp"
)

const formURL = "https://www.gob.mx/curp/"

// resultReadyJS reports whether the page has settled into a recognizable
// result: the download link, the result table, the no-match text, or an open
// modal.
const resultReadyJS = `function() {
	if (document.getElementById('dwnldLnk') !== null) return true;
	var tables = document.querySelectorAll('table');
	for (var i = 0; i < tables.length; i++) {
		if (tables[i].innerHTML.indexOf('CURP:') > -1) return true;
	}
	if (document.body.innerHTML.indexOf('los datos ingresados no son correctos') > -1) return true;
	var modal = document.querySelector('.modal.in, .modal.show');
	if (modal && modal.querySelector('.modal-body')) return true;
	return false;
}`

// closeModalJS dismisses the warning modal so the form is usable again.
const closeModalJS = `(function() {
	var modal = document.querySelector('.modal.in, .modal.show');
	if (modal) {
		var btn = modal.querySelector('button.close, .modal-footer button, [data-dismiss="modal"]');
		if (btn) btn.click();
	}
})()`

// showFormJS switches to the search-by-data tab when the form is hidden.
const showFormJS = `(function() {
	var el = document.getElementById('nombre');
	if (el && el.offsetParent !== null) return true;
	var tab = document.querySelector('a[href="#tab-02"]');
	if (tab) tab.click();
	return false;
})()`

// Config controls browser sessions against the lookup form.
type Config struct {
	Headless   bool
	UserAgent  string
	NavTimeout time.Duration
}

// Factory owns one Chrome exec allocator and opens an isolated browser
// context per worker.
type Factory struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewFactory starts the allocator. Call Close to tear the browser down.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "es-MX"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Factory{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}
}

// Open creates a fresh browser context and navigates it to the form.
func (f *Factory) Open(ctx context.Context, workerID int) (curp.Session, error) {
	taskCtx, cancel := chromedp.NewContext(f.allocator)
	s := &Session{
		cfg:    f.cfg,
		ctx:    taskCtx,
		cancel: cancel,
		logger: f.logger.With(zap.Int("worker_id", workerID)),
	}
	if err := s.navigateToForm(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("open form session: %w", err)
	}
	return s, nil
}

// Close shuts down the allocator and every browser it spawned.
func (f *Factory) Close() {
	f.allocCancel()
}

// Session is one worker's browser tab on the lookup form.
type Session struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// Query submits one combination through the form and classifies the page it
// settles on. Browser-level failures come back as errors; the caller treats
// them as transient and may recycle the session.
func (s *Session) Query(ctx context.Context, fields curp.PersonFields, combo curp.Combination) (curp.Outcome, error) {
	state, ok := combi.StateByCode(combo.StateCode)
	if !ok {
		return curp.Outcome{}, fmt.Errorf("state code %d out of catalog range", combo.StateCode)
	}
	gender := "M"
	if strings.EqualFold(fields.Gender, "H") {
		gender = "H"
	}

	var html string
	err := s.run(ctx, chromedp.Tasks{
		chromedp.Poll(showFormJS, nil, chromedp.WithPollingInterval(250*time.Millisecond)),
		chromedp.Evaluate(closeModalJS, nil),
		chromedp.SetValue("#nombre", fields.FirstName, chromedp.ByQuery),
		chromedp.SetValue("#primerApellido", fields.LastName1, chromedp.ByQuery),
		chromedp.SetValue("#segundoApellido", fields.LastName2, chromedp.ByQuery),
		chromedp.SetValue("#diaNacimiento", fmt.Sprintf("%02d", combo.Day), chromedp.ByQuery),
		chromedp.SetValue("#mesNacimiento", fmt.Sprintf("%02d", combo.Month), chromedp.ByQuery),
		chromedp.SetValue("#selectedYear", fmt.Sprintf("%d", combo.Year), chromedp.ByQuery),
		chromedp.SetValue("#sexo", gender, chromedp.ByQuery),
		chromedp.SetValue("#claveEntidad", state.CURPKey, chromedp.ByQuery),
		chromedp.Click("#searchButton", chromedp.ByQuery),
		chromedp.PollFunction(resultReadyJS, nil, chromedp.WithPollingInterval(300*time.Millisecond)),
		chromedp.Evaluate(closeModalJS, nil),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	})
	if err != nil {
		return curp.Outcome{}, fmt.Errorf("submit lookup: %w", err)
	}
	return Classify(html), nil
}

// Close releases the browser context.
func (s *Session) Close(_ context.Context) error {
	s.cancel()
	return nil
}

func (s *Session) navigateToForm(ctx context.Context) error {
	return s.run(ctx, chromedp.Tasks{
		s.networkSetup(),
		chromedp.Navigate(formURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Poll(showFormJS, nil, chromedp.WithPollingInterval(250*time.Millisecond)),
		chromedp.WaitVisible("#nombre", chromedp.ByQuery),
	})
}

func (s *Session) networkSetup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// run executes actions on the session's browser context while honoring the
// caller's context for cancellation and deadlines.
func (s *Session) run(caller context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, s.cfg.NavTimeout)
	defer cancel()
	stop := propagateCancel(caller, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if caller.Err() != nil {
			return caller.Err()
		}
		return err
	}
	return nil
}

func propagateCancel(caller context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-caller.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
