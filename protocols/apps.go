// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/utxoverlay/overlayd/linkage"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/topic"
)

// Apps index fields.
const (
	fieldDomain      = "domain"
	fieldPublisher   = "publisher"
	fieldAppName     = "name"
	fieldTags        = "tags"
	fieldCategory    = "category"
	fieldReleaseDate = "releaseDate"
)

// AppMetadata is the JSON document an app token publishes.
type AppMetadata struct {
	Version     *string  `json:"version"`
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Icon        *string  `json:"icon"`
	HTTPURL     *string  `json:"httpURL,omitempty"`
	UHRPURL     *string  `json:"uhrpURL,omitempty"`
	Domain      *string  `json:"domain"`
	Publisher   *string  `json:"publisher"`
	ShortName   string   `json:"short_name,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ReleaseDate *string  `json:"release_date"`
	Changelog   string   `json:"changelog,omitempty"`
	Banner      string   `json:"banner_image_url,omitempty"`
	Screenshots []string `json:"screenshot_urls,omitempty"`
}

var errAppMetadata = errors.New("app metadata missing required fields")

// validate checks that every required key is a string and that at least
// one of the two URLs is given.
func (m *AppMetadata) validate() error {
	required := []*string{
		m.Version, m.Name, m.Description, m.Icon, m.Domain,
		m.Publisher, m.ReleaseDate,
	}
	for _, v := range required {
		if v == nil {
			return errAppMetadata
		}
	}
	if m.HTTPURL == nil && m.UHRPURL == nil {
		return fmt.Errorf("%w: httpURL or uhrpURL", errAppMetadata)
	}
	return nil
}

// decodeAppMetadata decodes an app token's single metadata field.
func decodeAppMetadata(fields [][]byte) (*AppMetadata, error) {
	if len(fields) != 1 {
		return nil, fmt.Errorf("app token has %d fields, want one "+
			"metadata field and a signature", len(fields)+1)
	}
	var m AppMetadata
	if err := json.Unmarshal(fields[0], &m); err != nil {
		return nil, fmt.Errorf("metadata is not valid json: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Apps admits app catalog entries signed by their publisher.
func Apps() *Protocol {
	return &Protocol{
		Name: "apps",
		Topic: topic.Config{
			Topic:         "tm_apps",
			Rule:          topic.RuleFunc(appsRule),
			RequireInputs: true,
		},
		Index: lookup.Config{
			Name:      "appsCatalogRecords",
			Topic:     "tm_apps",
			Service:   "ls_apps",
			SpendMode: lookup.SpendDelete,
			IndexedFields: []string{
				fieldDomain, fieldPublisher, fieldAppName,
				fieldTags, fieldCategory, fieldReleaseDate,
			},
			SortField:    fieldReleaseDate,
			DefaultLimit: defaultPageSize,
		},
		Extract:   extractApp,
		Translate: translateApps,
	}
}

func appsRule(ctx *topic.OutputContext) topic.Verdict {
	tok, err := decodeSigned(ctx.Output.PkScript)
	if err != nil {
		return topic.Reject(topic.ReasonMalformedScript, err)
	}
	if tok.embedder == nil {
		return topic.Reject(topic.ReasonMalformedScript, errNoEmbedder)
	}

	meta, err := decodeAppMetadata(tok.fields)
	if err != nil {
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}
	publisher, err := parseIdentityKey(fieldPublisher, *meta.Publisher)
	if err != nil {
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}

	err = ctx.Verifier.VerifyLinkedField(tok.embedder, tok.fields,
		tok.signature, publisher, linkage.AppsProtocol, signingKeyID)
	if err != nil {
		return linkageVerdict(err)
	}

	return topic.Admit()
}

func extractApp(out *Output) (map[string][]string, []byte, error) {
	tok, err := decodeSigned(out.Script)
	if err != nil {
		return nil, nil, err
	}
	meta, err := decodeAppMetadata(tok.fields)
	if err != nil {
		return nil, nil, err
	}

	fields := map[string][]string{
		fieldDomain:      {*meta.Domain},
		fieldPublisher:   {*meta.Publisher},
		fieldAppName:     {*meta.Name},
		fieldReleaseDate: {*meta.ReleaseDate},
	}
	if meta.Category != "" {
		fields[fieldCategory] = []string{meta.Category}
	}
	if len(meta.Tags) > 0 {
		fields[fieldTags] = meta.Tags
	}

	return fields, tok.fields[0], nil
}

// appsQuery is the ls_apps query document.
type appsQuery struct {
	paging

	Domain    string   `json:"domain"`
	Publisher string   `json:"publisher"`
	Name      string   `json:"name"`
	Outpoint  string   `json:"outpoint"`
	Tags      []string `json:"tags"`
	Category  string   `json:"category"`
}

// translateApps narrows by the first of domain, publisher, tags, category,
// name and outpoint present, or lists the catalog.  Results are ordered by
// release date.
func translateApps(raw json.RawMessage) (*lookup.Query, error) {
	var req appsQuery
	if err := decodeQuery(raw, &req); err != nil {
		return nil, err
	}
	q := req.query()

	switch {
	case req.Domain != "":
		q.Predicates = []lookup.Predicate{
			lookup.Equal(fieldDomain, req.Domain),
		}

	case req.Publisher != "":
		q.Predicates = []lookup.Predicate{
			lookup.Equal(fieldPublisher, req.Publisher),
		}

	case len(req.Tags) > 0:
		q.Predicates = []lookup.Predicate{
			lookup.In(fieldTags, req.Tags...),
		}

	case req.Category != "":
		q.Predicates = []lookup.Predicate{
			lookup.Equal(fieldCategory, req.Category),
		}

	case req.Name != "":
		q.Predicates = []lookup.Predicate{
			lookup.Contains(fieldAppName, req.Name),
		}

	case req.Outpoint != "":
		ref, err := parseOutpoint(req.Outpoint)
		if err != nil {
			return nil, err
		}
		q.Ref = fn.Some(ref)
		q.Skip, q.Limit = 0, 1
	}

	return q, nil
}
