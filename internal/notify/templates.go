package notify

// Template is one canonical notification template.
type Template struct {
	Subject string
	Text    string
	HTML    string
}

// Canonical template names.
const (
	TemplateCriticalAlert = "critical-alert"
	TemplateWarningAlert  = "warning-alert"
	TemplateDailyReport   = "daily-report"
	TemplateWeeklySummary = "weekly-summary"
)

var templates = map[string]Template{
	TemplateCriticalAlert: {
		Subject: "🚨 CRITICAL: {{title}}",
		Text: `{{title}}

{{message}}

Tenant: {{tenantName|unknown}}
{{?botName}}Bot: {{botName}}
{{/botName}}Time: {{timestamp}}

Immediate action is required.`,
		HTML: `<h2 style="color:#c0392b">🚨 {{title}}</h2>
<p>{{message}}</p>
<p><b>Tenant:</b> {{tenantName|unknown}}<br>
{{?botName}}<b>Bot:</b> {{botName}}<br>{{/botName}}
<b>Time:</b> {{timestamp}}</p>
<p><b>Immediate action is required.</b></p>`,
	},
	TemplateWarningAlert: {
		Subject: "⚠️ WARNING: {{title}}",
		Text: `{{title}}

{{message}}

Tenant: {{tenantName|unknown}}
Time: {{timestamp}}`,
		HTML: `<h2 style="color:#e67e22">⚠️ {{title}}</h2>
<p>{{message}}</p>
<p><b>Tenant:</b> {{tenantName|unknown}}<br>
<b>Time:</b> {{timestamp}}</p>`,
	},
	TemplateDailyReport: {
		Subject: "Daily report for {{tenantName}} ({{date}})",
		Text: `Daily usage report for {{tenantName}}

Requests: {{requests}}
Tokens: {{tokens}}
Cost: {{cost}}
Success rate: {{successRate}}%

{{?topAgents}}Top agents:
{{#topAgents}}  {{index}}. {{item}}
{{/topAgents}}{{/topAgents}}`,
		HTML: `<h2>Daily usage report for {{tenantName}}</h2>
<ul>
<li>Requests: {{requests}}</li>
<li>Tokens: {{tokens}}</li>
<li>Cost: {{cost}}</li>
<li>Success rate: {{successRate}}%</li>
</ul>
{{?topAgents}}<h3>Top agents</h3><ol>{{#topAgents}}<li>{{item}}</li>{{/topAgents}}</ol>{{/topAgents}}`,
	},
	TemplateWeeklySummary: {
		Subject: "Weekly summary for {{tenantName}}",
		Text: `Weekly summary for {{tenantName}}

Total cost: {{cost}}
Total requests: {{requests}}
Budget used: {{budgetUsed|n/a}}%

{{#highlights}}- {{item}}
{{/highlights}}`,
		HTML: `<h2>Weekly summary for {{tenantName}}</h2>
<p>Total cost: {{cost}}<br>
Total requests: {{requests}}<br>
Budget used: {{budgetUsed|n/a}}%</p>
<ul>{{#highlights}}<li>{{item}}</li>{{/highlights}}</ul>`,
	},
}

// GetTemplate looks up a canonical template by name.
func GetTemplate(name string) (Template, bool) {
	t, ok := templates[name]
	return t, ok
}
