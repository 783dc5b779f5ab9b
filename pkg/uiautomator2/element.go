package uiautomator2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Element represents a UI element on the device.
type Element struct {
	id     string
	client *Client
}

// ID returns the element ID.
func (e *Element) ID() string {
	return e.id
}

// elementRef accepts both the legacy and the W3C element key.
type elementRef struct {
	ELEMENT string `json:"ELEMENT"`
	W3C     string `json:"element-6066-11e4-a52e-4f735466cecf"`
}

func (r elementRef) id() string {
	if r.ELEMENT != "" {
		return r.ELEMENT
	}
	return r.W3C
}

// FindElement finds a single element.
func (c *Client) FindElement(ctx context.Context, strategy, selector string) (*Element, error) {
	data, err := c.request(ctx, http.MethodPost, c.sessionPath("/element"), FindElementRequest{
		Strategy: strategy,
		Selector: selector,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value elementRef `json:"value"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse element response: %w", err)
	}

	if resp.Value.id() == "" {
		return nil, &ServerError{Status: http.StatusNotFound, Type: ErrorNoSuchElement, Message: fmt.Sprintf("%s=%s", strategy, selector)}
	}

	return &Element{id: resp.Value.id(), client: c}, nil
}

// Click taps the element.
func (e *Element) Click(ctx context.Context) error {
	_, err := e.client.request(ctx, http.MethodPost, e.client.sessionPath("/element/"+e.id+"/click"), nil)
	return err
}

// Clear clears the element's text.
func (e *Element) Clear(ctx context.Context) error {
	_, err := e.client.request(ctx, http.MethodPost, e.client.sessionPath("/element/"+e.id+"/clear"), nil)
	return err
}

// SendKeys types text into the element.
func (e *Element) SendKeys(ctx context.Context, text string) error {
	_, err := e.client.request(ctx, http.MethodPost, e.client.sessionPath("/element/"+e.id+"/value"), InputTextRequest{Text: text})
	return err
}

// Text returns the element's text content.
func (e *Element) Text(ctx context.Context) (string, error) {
	data, err := e.client.request(ctx, http.MethodGet, e.client.sessionPath("/element/"+e.id+"/text"), nil)
	if err != nil {
		return "", err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}

	text, _ := resp.Value.(string)
	return text, nil
}
