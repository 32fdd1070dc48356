package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/dustin/go-humanize"
)

// Bucket is one row of the bucket table.
type Bucket struct {
	Name          string
	Public        bool
	Type          string
	FileSizeLimit *int64
	AllowedTypes  []string
	CreatedAt     time.Time
}

// Folder is a virtual directory taken from the prefix index.
type Folder struct {
	// Path is the full prefix without a trailing slash.
	Path string
}

// File is an object listed in the browser.
type File struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Upload is an in-progress multipart upload.
type Upload struct {
	ID        string
	Key       string
	Size      int64
	State     string
	CreatedAt time.Time
}

// Listing is everything the browser shows for one directory of a bucket.
type Listing struct {
	Bucket  string
	Prefix  string
	Folders []Folder
	Files   []File
	Uploads []Upload
}

// htmlWriter remembers the first write error so page bodies read as a
// sequence of writes.
type htmlWriter struct {
	w   io.Writer
	err error
}

func (hw *htmlWriter) raw(s string) {
	if hw.err == nil {
		_, hw.err = io.WriteString(hw.w, s)
	}
}

func (hw *htmlWriter) text(s string) {
	hw.raw(html.EscapeString(s))
}

func (hw *htmlWriter) rawf(format string, args ...any) {
	if hw.err == nil {
		_, hw.err = fmt.Fprintf(hw.w, format, args...)
	}
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		hw := &htmlWriter{w: w}
		hw.raw(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		hw.raw(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		hw.raw("<title>")
		hw.text(title)
		hw.raw("</title>")

		// Pico.css and HTMX via CDN.
		hw.raw(`<link rel="stylesheet" href="https://unpkg.com/@picocss/pico@2/css/pico.min.css">`)
		hw.raw(`<script src="https://unpkg.com/htmx.org@1.9.12" integrity="sha384-srD8tA5lZgUlAXb/DvBy1UG775H8sG8vyXK3w63U1zrtRXkuTDIaTzGvX2UksI0M" crossorigin="anonymous"></script>`)
		hw.raw(`</head><body hx-boost="true"><main class="container">`)
		if hw.err != nil {
			return hw.err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		hw.raw("</main></body></html>")
		return hw.err
	})
}

// BucketURL is the browser location of a directory inside a bucket.
func BucketURL(bucket, prefix string) string {
	u := "/bucket/" + url.PathEscape(bucket) + "/"
	if prefix != "" {
		u += (&url.URL{Path: prefix}).EscapedPath() + "/"
	}
	return u
}

func sizeLimit(limit *int64) string {
	if limit == nil {
		return "none"
	}
	return humanize.IBytes(uint64(*limit))
}

// BucketsPage renders the bucket table and the create-bucket form.
func BucketsPage(buckets []Bucket) templ.Component {
	return Layout("Strata - Buckets", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		hw := &htmlWriter{w: w}
		hw.raw("<section><header><h1>Buckets</h1></header>")

		if len(buckets) == 0 {
			hw.raw("<p>No buckets found.</p>")
		} else {
			hw.raw("<table><thead><tr><th>Name</th><th>Visibility</th><th>Type</th><th>Size limit</th><th>Allowed types</th><th>Created</th></tr></thead><tbody>")
			for _, b := range buckets {
				visibility := "private"
				if b.Public {
					visibility = "public"
				}

				allowed := "any"
				if len(b.AllowedTypes) > 0 {
					allowed = strings.Join(b.AllowedTypes, ", ")
				}

				hw.rawf(`<tr><td><a href="%s">%s</a></td>`, html.EscapeString(BucketURL(b.Name, "")), html.EscapeString(b.Name))
				hw.rawf("<td>%s</td><td>%s</td><td>%s</td><td>%s</td>",
					visibility, html.EscapeString(b.Type), sizeLimit(b.FileSizeLimit), html.EscapeString(allowed))
				hw.rawf(`<td title="%s">%s</td></tr>`, b.CreatedAt.UTC().Format(time.RFC3339), humanize.Time(b.CreatedAt))
			}
			hw.raw("</tbody></table>")
		}

		hw.raw(`<form method="post" action="/buckets" hx-post="/buckets" hx-target="#create-error">`)
		hw.raw(`<fieldset role="group"><input name="name" placeholder="new-bucket-name" required>`)
		hw.raw(`<label><input type="checkbox" name="public" value="true"> public</label>`)
		hw.raw(`<button type="submit">Create</button></fieldset><div id="create-error"></div></form></section>`)
		return hw.err
	}))
}

// breadcrumbs links every ancestor directory of prefix.
func breadcrumbs(hw *htmlWriter, bucket, prefix string) {
	hw.rawf(`<nav aria-label="breadcrumb"><ul><li><a href="/">Buckets</a></li><li><a href="%s">%s</a></li>`,
		html.EscapeString(BucketURL(bucket, "")), html.EscapeString(bucket))

	if prefix != "" {
		segments := strings.Split(prefix, "/")
		for i, seg := range segments {
			path := strings.Join(segments[:i+1], "/")
			hw.rawf(`<li><a href="%s">%s</a></li>`, html.EscapeString(BucketURL(bucket, path)), html.EscapeString(seg))
		}
	}
	hw.raw("</ul></nav>")
}

// BrowserPage renders one directory of a bucket: folders first, then
// files, then the uploads still in progress under the directory.
func BrowserPage(l Listing) templ.Component {
	title := "Strata - " + l.Bucket
	if l.Prefix != "" {
		title += "/" + l.Prefix
	}

	return Layout(title, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		hw := &htmlWriter{w: w}
		hw.raw("<section><header>")
		breadcrumbs(hw, l.Bucket, l.Prefix)
		hw.raw("</header>")

		if len(l.Folders) == 0 && len(l.Files) == 0 {
			hw.raw("<p>This directory is empty.</p>")
		} else {
			hw.raw("<table><thead><tr><th>Name</th><th>Size</th><th>Type</th><th>Last modified</th></tr></thead><tbody>")
			for _, f := range l.Folders {
				name := f.Path[strings.LastIndex(f.Path, "/")+1:]
				hw.rawf(`<tr><td><a href="%s">%s/</a></td><td>-</td><td>folder</td><td></td></tr>`,
					html.EscapeString(BucketURL(l.Bucket, f.Path)), html.EscapeString(name))
			}
			for _, f := range l.Files {
				name := f.Key[strings.LastIndex(f.Key, "/")+1:]
				hw.rawf("<tr><td>%s</td><td>%s</td><td>%s</td>",
					html.EscapeString(name), humanize.IBytes(uint64(f.Size)), html.EscapeString(f.ContentType))
				hw.rawf(`<td title="%s">%s</td></tr>`, f.LastModified.UTC().Format(time.RFC3339), humanize.Time(f.LastModified))
			}
			hw.raw("</tbody></table>")
		}

		if len(l.Uploads) > 0 {
			hw.raw("<h2>Uploads in progress</h2>")
			hw.raw("<table><thead><tr><th>Key</th><th>Upload ID</th><th>State</th><th>Received</th><th>Started</th></tr></thead><tbody>")
			for _, u := range l.Uploads {
				hw.rawf("<tr><td>%s</td><td><code>%s</code></td><td>%s</td><td>%s</td><td>%s</td></tr>",
					html.EscapeString(u.Key), html.EscapeString(u.ID), html.EscapeString(u.State),
					humanize.IBytes(uint64(u.Size)), humanize.Time(u.CreatedAt))
			}
			hw.raw("</tbody></table>")
		}

		hw.raw("</section>")
		return hw.err
	}))
}

// ErrorMessage renders an inline error for HTMX form targets.
func ErrorMessage(msg string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<p class="error-message">%s</p>`, html.EscapeString(msg))
		return err
	})
}
