/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/coal-mine/coal-mine/internal/metrics"
	"github.com/coal-mine/coal-mine/internal/store"
)

const (
	timeLayout     = "2006-01-02T15:04:05.999999"
	historyInMail  = 15
	mailQueueDepth = 256
)

// SMTPConfig holds SMTP connection details. Username and Password must
// be set together or not at all.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends canary notifications over SMTP. Sends happen on a
// background worker so a slow or down mail server never stalls the
// caller; delivery failures are logged, never returned.
type EmailNotifier struct {
	cfg             SMTPConfig
	log             logr.Logger
	subjectTemplate map[Kind]*template.Template
	bodyTemplate    *template.Template
	rateLimiter     *rate.Limiter
	queue           chan email
	done            chan struct{}
	send            sendFunc
}

type email struct {
	to      []string
	subject string
	body    string
}

// NewEmailNotifier creates a notifier and starts its delivery worker.
func NewEmailNotifier(cfg SMTPConfig, log logr.Logger) (*EmailNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host required")
	}
	if cfg.Sender == "" {
		return nil, fmt.Errorf("smtp sender required")
	}
	if (cfg.Username == "") != (cfg.Password == "") {
		return nil, fmt.Errorf("smtp username and password must be set together")
	}
	if cfg.Port == "" {
		cfg.Port = "25"
	}

	n := &EmailNotifier{
		cfg: cfg,
		log: log,
		subjectTemplate: map[Kind]*template.Template{
			KindLate:      template.Must(template.New("late").Parse(lateSubjectTemplate)),
			KindRecovered: template.Must(template.New("recovered").Parse(recoveredSubjectTemplate)),
		},
		bodyTemplate: template.Must(template.New("body").Funcs(templateFuncs).Parse(bodyTemplate)),
		rateLimiter:  rate.NewLimiter(rate.Limit(50.0/60.0), 10), // 50/min, burst 10
		queue:        make(chan email, mailQueueDepth),
		done:         make(chan struct{}),
		send:         smtp.SendMail,
	}
	go n.worker()
	return n, nil
}

// Notify implements Notifier. The message is rendered immediately from
// the canary snapshot and queued for delivery.
func (n *EmailNotifier) Notify(_ context.Context, c *store.Canary, kind Kind) error {
	if len(c.Emails) == 0 {
		n.log.Info("canary has no notification addresses, skipping", "id", c.ID, "name", c.Name, "kind", string(kind))
		return nil
	}

	msg, err := n.render(c, kind)
	if err != nil {
		n.log.Error(err, "failed to render notification", "id", c.ID, "kind", string(kind))
		return nil
	}

	select {
	case n.queue <- msg:
	default:
		n.log.Info("notification queue full, dropping", "id", c.ID, "kind", string(kind))
		metrics.RecordNotification(string(kind), "dropped")
	}
	return nil
}

// Close stops the delivery worker after draining queued mail.
func (n *EmailNotifier) Close() {
	close(n.queue)
	<-n.done
}

func (n *EmailNotifier) render(c *store.Canary, kind Kind) (email, error) {
	data := struct {
		Name     string
		ID       string
		Kind     Kind
		Now      string
		Deadline string
		History  []store.Event
	}{
		Name: c.Name,
		ID:   c.ID,
		Kind: kind,
		Now:  time.Now().UTC().Format(timeLayout),
	}
	if c.Deadline != nil {
		data.Deadline = c.Deadline.UTC().Format(timeLayout)
	}
	data.History = c.History
	if len(data.History) > historyInMail {
		data.History = data.History[:historyInMail]
	}

	var subjectBuf, bodyBuf bytes.Buffer
	if err := n.subjectTemplate[kind].Execute(&subjectBuf, data); err != nil {
		return email{}, fmt.Errorf("render subject: %w", err)
	}
	if err := n.bodyTemplate.Execute(&bodyBuf, data); err != nil {
		return email{}, fmt.Errorf("render body: %w", err)
	}
	return email{
		to:      append([]string(nil), c.Emails...),
		subject: subjectBuf.String(),
		body:    bodyBuf.String(),
	}, nil
}

func (n *EmailNotifier) worker() {
	defer close(n.done)
	for msg := range n.queue {
		if err := n.rateLimiter.Wait(context.Background()); err != nil {
			return
		}
		if err := n.deliver(msg); err != nil {
			n.log.Error(err, "failed to send notification email", "to", strings.Join(msg.to, ", "))
			metrics.RecordNotification(kindFromSubject(msg.subject), "failed")
			continue
		}
		metrics.RecordNotification(kindFromSubject(msg.subject), "sent")
	}
}

func (n *EmailNotifier) deliver(msg email) error {
	raw := fmt.Sprintf("From: %s\r\n", n.cfg.Sender)
	raw += fmt.Sprintf("To: %s\r\n", strings.Join(msg.to, ", "))
	raw += fmt.Sprintf("Subject: %s\r\n", msg.subject)
	raw += "MIME-Version: 1.0\r\n"
	raw += "Content-Type: text/plain; charset=utf-8\r\n"
	raw += "\r\n"
	raw += msg.body

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%s", n.cfg.Host, n.cfg.Port)
	return n.send(addr, auth, n.cfg.Sender, msg.to, []byte(raw))
}

func kindFromSubject(subject string) string {
	if strings.HasPrefix(subject, "[LATE]") {
		return string(KindLate)
	}
	return string(KindRecovered)
}

var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.UTC().Format(timeLayout)
	},
}

var lateSubjectTemplate = `[LATE] {{ .Name }} has not reported`

var recoveredSubjectTemplate = `[RESUMED] {{ .Name }} is reporting again`

var bodyTemplate = `Canary: {{ .Name }} ({{ .ID }})
{{ if eq .Kind "late" }}Status: LATE as of {{ .Now }}{{ else }}Status: reporting again as of {{ .Now }}{{ end }}
{{ if .Deadline }}{{ if eq .Kind "late" }}Missed deadline: {{ .Deadline }}{{ else }}Next deadline: {{ .Deadline }}{{ end }}
{{ end }}
Recent history:
{{ range .History }}  {{ formatTime .When }}  {{ .Comment }}
{{ end }}
--
Coal Mine
`
