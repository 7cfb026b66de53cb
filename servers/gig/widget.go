package gig

import (
	"github.com/prompthire/mcp"
)

// widget describes the renderable gig card the host displays alongside tool results.
// The markup is registered once at startup and served byte-identical from the widget
// URI for the lifetime of the process.
type widget struct {
	title       string
	templateURI string
	mimeType    string
	html        string
}

var gigWidget = widget{
	title:       "Create Freelance Gig",
	templateURI: "ui://widget/prompthire-gig.html",
	mimeType:    "text/html+skybridge",
	html: `<div id="prompthire-gig-root"></div>
<link rel="stylesheet" href="https://persistent.oaistatic.com/ecosystem-built-assets/prompthire-gig-2d2b.css">
<script type="module" src="https://persistent.oaistatic.com/ecosystem-built-assets/prompthire-gig-2d2b.js"></script>`,
}

// meta carries the presentation hints a host needs to render the widget for a tool
// invocation. The invoking/invoked captions differ per tool; the rest is shared.
func (w widget) meta(invoking, invoked string) mcp.Meta {
	return mcp.Meta{
		"openai/outputTemplate":          w.templateURI,
		"openai/toolInvocation/invoking": invoking,
		"openai/toolInvocation/invoked":  invoked,
		"openai/widgetAccessible":        true,
		"openai/resultCanProduceWidget":  true,
	}
}

var resourceList = []mcp.Resource{
	{
		URI:         gigWidget.templateURI,
		Name:        gigWidget.title,
		Description: gigWidget.title + " widget markup",
		MimeType:    gigWidget.mimeType,
		Meta:        gigWidget.meta(createGigInvoking, createGigInvoked),
	},
}

var resourceTemplateList = []mcp.ResourceTemplate{
	{
		URITemplate: gigWidget.templateURI,
		Name:        gigWidget.title,
		Description: gigWidget.title + " widget markup",
		MimeType:    gigWidget.mimeType,
		Meta:        gigWidget.meta(createGigInvoking, createGigInvoked),
	},
}
