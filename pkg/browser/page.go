package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/webagent/pkg/agent"
)

// Page is one browser tab as seen by command handlers
type Page interface {
	ID() string
	Info(ctx context.Context) (agent.Target, error)
	Visible(ctx context.Context) (bool, error)
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
}

// fillScript runs with the element as this so the page sees a user-like edit
const fillScript = `function (value) {
	this.focus();
	this.value = value;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
}`

type rodPage struct {
	page           *rod.Page
	elementTimeout time.Duration
}

func newRodPage(page *rod.Page, elementTimeout time.Duration) *rodPage {
	return &rodPage{page: page, elementTimeout: elementTimeout}
}

func (p *rodPage) ID() string {
	return string(p.page.TargetID)
}

func (p *rodPage) Info(ctx context.Context) (agent.Target, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return agent.Target{}, err
	}
	return agent.Target{ID: string(info.TargetID), Title: info.Title, URL: info.URL}, nil
}

func (p *rodPage) Visible(ctx context.Context) (bool, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.visibilityState`)
	if err != nil {
		return false, err
	}
	return res.Value.Str() == "visible", nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return &BrowserError{
			Code:    ErrCodeNavigation,
			Message: fmt.Sprintf("navigation failed: %v", err),
			Details: map[string]interface{}{"url": url},
		}
	}
	if err := page.WaitLoad(); err != nil {
		return &BrowserError{
			Code:    ErrCodeTimeout,
			Message: fmt.Sprintf("page did not finish loading: %v", err),
			Details: map[string]interface{}{"url": url},
		}
	}
	return nil
}

func (p *rodPage) Fill(ctx context.Context, selector, value string) error {
	elem, err := p.element(ctx, selector)
	if err != nil {
		return err
	}

	if _, err := elem.Eval(fillScript, value); err != nil {
		return &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("failed to fill element %s: %v", selector, err),
		}
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	elem, err := p.element(ctx, selector)
	if err != nil {
		return err
	}

	if err := elem.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("failed to click element %s: %v", selector, err),
		}
	}
	return nil
}

// element waits up to the element timeout for selector to appear
func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	page := p.page.Context(ctx)
	if p.elementTimeout > 0 {
		page = page.Timeout(p.elementTimeout)
	}

	elem, err := page.Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &BrowserError{
				Code:    ErrCodeElementNotFound,
				Message: fmt.Sprintf("element not found: %s", selector),
				Details: map[string]interface{}{
					"selector": selector,
					"timeout":  p.elementTimeout.String(),
				},
			}
		}
		return nil, &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("element lookup failed for %s: %v", selector, err),
		}
	}
	return elem, nil
}
