/*
 * MIT License
 *
 * Copyright (c) 2023 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package stats

import (
	"bytes"
	"html/template"
)

// PeerView is one row of the status page's peer table.
type PeerView struct {
	Name     string
	Live     bool
	DBLink   string
	PkgLink  string
	Shared   string
	Received string
}

// PageData is the data rendered by statusPageTemplate.
type PageData struct {
	Peers               []PeerView
	ServedTotal         int64
	ServedUpstream      int64
	ServedLocally       int64
	NotModified         int64
	FailedUpstream      int64
	UnknownRepoRequests int64
}

var statusPageTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>mirrorhub status</title></head>
<body>
<h1>mirrorhub</h1>
<table border="1" cellpadding="4">
<tr><th>peer</th><th>state</th><th>db</th><th>pkg</th><th>shared</th><th>received</th></tr>
{{range .Peers}}
<tr style="color: {{if .Live}}green{{else}}red{{end}}">
<td>{{.Name}}</td>
<td>{{if .Live}}live{{else}}failed{{end}}</td>
<td>{{.DBLink}}</td>
<td>{{.PkgLink}}</td>
<td>{{.Shared}}</td>
<td>{{.Received}}</td>
</tr>
{{end}}
</table>
<ul>
<li>served_total: {{.ServedTotal}}</li>
<li>served_upstream: {{.ServedUpstream}}</li>
<li>served_locally: {{.ServedLocally}}</li>
<li>not_modified: {{.NotModified}}</li>
<li>failed_upstream: {{.FailedUpstream}}</li>
<li>unknown_repo_requests: {{.UnknownRepoRequests}}</li>
</ul>
</body>
</html>
`))

// RenderStatusPage renders the HTML status page described in spec.md §4.7.
func RenderStatusPage(data PageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := statusPageTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
