package server

import (
	"bytes"
	"html/template"
)

const placeholder = "unknown"

var pageTemplate = template.Must(template.New("identity").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>IAP/Oauth2/People API Test App</title>
  <link rel="stylesheet" href="https://stackpath.bootstrapcdn.com/bootstrap/4.2.1/css/bootstrap.min.css">
</head>
<body>
  <div class="container">
    <div style="position: relative; margin-top: 10px;">
      {{- if .Photo}}
      <img class="rounded-circle" id="avatar" src="{{.Photo}}" alt="ProfilePicture" />
      {{- else}}
      <div class="rounded-circle bg-secondary" id="avatar" style="width: 96px; height: 96px;"></div>
      {{- end}}
    </div>
    <h1 id="heading" class="display-4 text-center py-1">IAP Oauth App</h1>
    <p>Your email is {{.Email}}</p>
    <p>Your GoogleID is {{.Subject}}</p>
  </div>
</body>
</html>
`))

type pageData struct {
	Email   string
	Subject string
	Photo   string
}

func newPageData(res lookupResult) pageData {
	data := pageData{Email: placeholder, Subject: placeholder, Photo: res.Photo}
	if !res.Claims.Empty() {
		if res.Claims.Email != "" {
			data.Email = res.Claims.Email
		}
		if id := res.Claims.AccountID(); id != "" {
			data.Subject = id
		}
	}
	return data
}

func renderPage(data pageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
