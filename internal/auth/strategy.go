// Copyright 2025 Agentic World, LLC (Sherin Thomas)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentberlin/greenlight/internal/browser"
	"github.com/agentberlin/greenlight/internal/funnel"
)

// Strategy logs into a site and returns the resulting session.
type Strategy interface {
	Name() string
	Login(ctx context.Context, drv browser.Driver) (*Session, error)
}

// Login picks the configured strategy and runs it. A failed login returns
// an error wrapping ErrAuthFailed.
func Login(ctx context.Context, drv browser.Driver, cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var strategy Strategy
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case TypeForm:
		strategy = &FormStrategy{cfg: cfg, logger: logger}
	case TypeBasic:
		strategy = &BasicStrategy{cfg: cfg}
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}

	session, err := strategy.Login(ctx, drv)
	if err != nil {
		return nil, err
	}
	session.RestrictedPatterns = cfg.RestrictedURLs
	logger.Info("authenticated",
		zap.String("strategy", strategy.Name()),
		zap.Int("cookies", len(session.Cookies)))
	return session, nil
}

// FormStrategy drives a login form: navigate, optional pre-login actions,
// fill credentials, submit, optional post-login actions, then verify via
// the success or error indicator.
type FormStrategy struct {
	cfg    Config
	logger *zap.Logger
}

func (s *FormStrategy) Name() string { return TypeForm }

// waitTime is the indicator observation window.
func (s *FormStrategy) waitTime() time.Duration {
	if s.cfg.WaitSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.WaitSeconds * float64(time.Second))
}

func (s *FormStrategy) Login(ctx context.Context, drv browser.Driver) (*Session, error) {
	if err := drv.Navigate(s.cfg.LoginURL); err != nil {
		return nil, fmt.Errorf("%w: login page unreachable: %v", ErrAuthFailed, err)
	}

	runner := funnel.ActionRunner{}
	if len(s.cfg.PreLoginActions) > 0 {
		if err := runner.Run(ctx, drv, s.cfg.PreLoginActions); err != nil {
			return nil, fmt.Errorf("%w: pre-login actions: %v", ErrAuthFailed, err)
		}
	}

	if err := drv.SendKeys(s.cfg.UsernameSelector, s.cfg.Username); err != nil {
		return nil, fmt.Errorf("%w: username field: %v", ErrAuthFailed, err)
	}
	if err := drv.SendKeys(s.cfg.PasswordSelector, s.cfg.Password); err != nil {
		return nil, fmt.Errorf("%w: password field: %v", ErrAuthFailed, err)
	}
	if err := drv.Click(s.cfg.SubmitSelector); err != nil {
		return nil, fmt.Errorf("%w: submit: %v", ErrAuthFailed, err)
	}

	if len(s.cfg.PostLoginActions) > 0 {
		if err := runner.Run(ctx, drv, s.cfg.PostLoginActions); err != nil {
			return nil, fmt.Errorf("%w: post-login actions: %v", ErrAuthFailed, err)
		}
	}

	if err := s.verify(ctx, drv); err != nil {
		return nil, err
	}

	loc, err := drv.Location()
	if err != nil || loc == "" {
		loc = s.cfg.LoginURL
	}
	cookies, err := drv.Cookies(loc)
	if err != nil {
		return nil, fmt.Errorf("%w: reading session cookies: %v", ErrAuthFailed, err)
	}

	return &Session{
		Strategy: TypeForm,
		BaseURL:  loc,
		Cookies:  cookies,
	}, nil
}

// verify checks the post-submit page. With a success indicator, it must
// appear within the wait window. With only an error indicator, its
// appearance within the window fails the login. With neither, the window
// simply elapses.
func (s *FormStrategy) verify(ctx context.Context, drv browser.Driver) error {
	wait := s.waitTime()
	switch {
	case s.cfg.SuccessIndicator != "":
		if err := drv.WaitVisible(s.cfg.SuccessIndicator, wait); err != nil {
			return fmt.Errorf("%w: success indicator %q not found", ErrAuthFailed, s.cfg.SuccessIndicator)
		}
	case s.cfg.ErrorIndicator != "":
		if err := drv.WaitVisible(s.cfg.ErrorIndicator, wait); err == nil {
			return fmt.Errorf("%w: error indicator %q appeared", ErrAuthFailed, s.cfg.ErrorIndicator)
		}
	default:
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// BasicStrategy precomputes the Authorization header. There is no login
// round trip; the header rides on every request the session touches.
type BasicStrategy struct {
	cfg Config
}

func (s *BasicStrategy) Name() string { return TypeBasic }

// Header returns the precomputed Authorization value.
func (s *BasicStrategy) Header() string {
	token := base64.StdEncoding.EncodeToString([]byte(s.cfg.Username + ":" + s.cfg.Password))
	return "Basic " + token
}

func (s *BasicStrategy) Login(ctx context.Context, drv browser.Driver) (*Session, error) {
	header := s.Header()
	if drv != nil {
		if err := drv.SetExtraHeaders(map[string]string{"Authorization": header}); err != nil {
			return nil, fmt.Errorf("%w: applying header: %v", ErrAuthFailed, err)
		}
	}
	return &Session{
		Strategy:   TypeBasic,
		BaseURL:    s.cfg.LoginURL,
		AuthHeader: header,
	}, nil
}
