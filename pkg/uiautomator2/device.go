package uiautomator2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// Back presses the back button.
func (c *Client) Back(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodPost, c.sessionPath("/back"), nil)
	return err
}

// PressKeyCode presses an Android key.
func (c *Client) PressKeyCode(ctx context.Context, keyCode int) error {
	_, err := c.request(ctx, http.MethodPost, c.sessionPath("/appium/device/press_keycode"), KeyCodeRequest{KeyCode: keyCode})
	return err
}

// Source returns the current page source (accessibility hierarchy XML).
func (c *Client) Source(ctx context.Context) (string, error) {
	data, err := c.request(ctx, http.MethodGet, c.sessionPath("/source"), nil)
	if err != nil {
		return "", err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse source response: %w", err)
	}
	source, ok := resp.Value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected source response")
	}
	return source, nil
}

// Screenshot captures the screen as PNG.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := c.request(ctx, http.MethodGet, c.sessionPath("/screenshot"), nil)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	b64, ok := resp.Value.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected screenshot response")
	}
	return base64.StdEncoding.DecodeString(b64)
}

// ScrollIntoView scrolls the first scrollable container until an element
// matching the UiSelector expression is visible, and returns it.
func (c *Client) ScrollIntoView(ctx context.Context, uiSelector string) (*Element, error) {
	selector := fmt.Sprintf("new UiScrollable(new UiSelector().scrollable(true)).scrollIntoView(%s)", uiSelector)
	return c.FindElement(ctx, StrategyUIAutomator, selector)
}
