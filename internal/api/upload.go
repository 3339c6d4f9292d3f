package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/and161185/fixdesk/internal/model"
)

type imagesData struct {
	Images []model.Image `json:"images"`
}

// UploadImages attaches photos to ticket id, one multipart request per photo,
// at most uploadConcurrency at a time. isAdmin marks completion photos taken by
// an administrator. The first failure cancels the remaining uploads.
func (c *Client) UploadImages(ctx context.Context, kind model.TicketKind, id string, photos []model.Photo, isAdmin bool) ([]model.Image, error) {
	if id == "" {
		return nil, errors.New("upload: empty ticket id")
	}
	if len(photos) == 0 {
		return []model.Image{}, nil
	}
	path, err := ticketPath(kind, id, "images")
	if err != nil {
		return nil, err
	}
	tok, err := c.sessionToken()
	if err != nil {
		return nil, err
	}

	results := make([][]model.Image, len(photos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.uploadConcurrency)
	for i, p := range photos {
		g.Go(func() error {
			body, ctype, err := multipartPhoto(p, isAdmin)
			if err != nil {
				return fmt.Errorf("photo %q: %w", p.Name, err)
			}
			var out imagesData
			if err := c.do(gctx, request{
				method:      http.MethodPost,
				path:        path,
				body:        body,
				contentType: ctype,
				token:       tok,
			}, &out); err != nil {
				return fmt.Errorf("photo %q: %w", p.Name, err)
			}
			results[i] = out.Images
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []model.Image
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func multipartPhoto(p model.Photo, isAdmin bool) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("isAdmin", strconv.FormatBool(isAdmin)); err != nil {
		return nil, "", err
	}
	ctype := p.ContentType
	if ctype == "" {
		ctype = http.DetectContentType(p.Data)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename="%s"`, quoteEscaper.Replace(p.Name)))
	h.Set("Content-Type", ctype)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(p.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
