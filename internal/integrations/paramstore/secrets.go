package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Parameter names, relative to the deployment prefix.
const (
	VerifyTokenParam    = "/whatsapp-verify-token"
	AppSecretParam      = "/whatsapp-app-secret"
	WhatsAppTokenParam  = "/whatsapp-token"
	ConversionParam     = "/meta-capi"
	ServiceAccountParam = "/google-service-account"
)

// Secrets is everything the relay needs from Parameter Store.
type Secrets struct {
	VerifyToken   string
	AppSecret     string
	WhatsAppToken string
	PhoneNumberID string
	PixelID       string
	CAPIToken     string
	TestEventCode string
	// ServiceAccountJSON is the Google credentials document; empty disables
	// the audit log.
	ServiceAccountJSON []byte
}

type tokenPayload struct {
	Token string `json:"token"`
}

type whatsAppPayload struct {
	Token         string `json:"token"`
	PhoneNumberID string `json:"phone_number_id"`
}

type conversionPayload struct {
	PixelID       string `json:"pixel_id"`
	Token         string `json:"token"`
	TestEventCode string `json:"test_event_code"`
}

// ErrNotFound is returned when a required parameter does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

// LoadSecrets reads and validates all relay secrets under prefix in a single
// batch. The app secret and the Google service account are optional.
func LoadSecrets(ctx context.Context, getter Getter, prefix string) (Secrets, error) {
	if getter == nil {
		return Secrets{}, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return Secrets{}, errors.New("paramstore: parameter prefix must not be empty")
	}

	values, err := getter.GetParameters(ctx, []string{
		prefix + VerifyTokenParam,
		prefix + WhatsAppTokenParam,
		prefix + ConversionParam,
		prefix + AppSecretParam,
		prefix + ServiceAccountParam,
	})
	if err != nil {
		return Secrets{}, err
	}
	p := params{prefix: prefix, values: values}

	var s Secrets

	var verify tokenPayload
	if err := p.requiredJSON(VerifyTokenParam, &verify); err != nil {
		return Secrets{}, err
	}
	if verify.Token == "" {
		return Secrets{}, errors.New("paramstore: verify token is empty")
	}
	s.VerifyToken = verify.Token

	var wa whatsAppPayload
	if err := p.requiredJSON(WhatsAppTokenParam, &wa); err != nil {
		return Secrets{}, err
	}
	if wa.Token == "" || wa.PhoneNumberID == "" {
		return Secrets{}, errors.New("paramstore: whatsapp token and phone_number_id are required")
	}
	s.WhatsAppToken, s.PhoneNumberID = wa.Token, wa.PhoneNumberID

	var conv conversionPayload
	if err := p.requiredJSON(ConversionParam, &conv); err != nil {
		return Secrets{}, err
	}
	if conv.PixelID == "" || conv.Token == "" {
		return Secrets{}, errors.New("paramstore: conversion pixel_id and token are required")
	}
	s.PixelID, s.CAPIToken, s.TestEventCode = conv.PixelID, conv.Token, conv.TestEventCode

	if raw, ok := p.get(AppSecretParam); ok {
		var secret tokenPayload
		if err := decode(p.prefix+AppSecretParam, raw, &secret); err != nil {
			return Secrets{}, err
		}
		s.AppSecret = secret.Token
	}

	if sa, ok := p.get(ServiceAccountParam); ok {
		if !json.Valid([]byte(sa)) {
			return Secrets{}, errors.New("paramstore: google service account is not valid JSON")
		}
		s.ServiceAccountJSON = []byte(sa)
	}

	return s, nil
}

type params struct {
	prefix string
	values map[string]string
}

func (p params) get(name string) (string, bool) {
	v, ok := p.values[p.prefix+name]
	return v, ok
}

func (p params) requiredJSON(name string, dst any) error {
	raw, ok := p.get(name)
	if !ok {
		return fmt.Errorf("paramstore: %q: %w", p.prefix+name, ErrNotFound)
	}
	return decode(p.prefix+name, raw, dst)
}

func decode(name, raw string, dst any) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("paramstore: unmarshal %q as JSON: %w", name, err)
	}
	return nil
}
