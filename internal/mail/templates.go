package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

var orderConfirmationTemplate = template.Must(template.New("order_confirmation").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Confirmation de commande</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 520px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden;">
<tr><td style="padding: 32px 40px;">
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">Merci pour votre commande !</h1>
<p style="margin: 0 0 16px; color: #666; font-size: 15px; line-height: 1.5;">
Votre commande chez <strong>{{.StoreName}}</strong> est confirmée.
</p>
<table style="width: 100%; margin: 0 0 16px; font-size: 14px; color: #444;">
{{range .Items}}<tr>
<td style="padding: 4px 0;">{{.Reference}}{{if .Description}} — {{.Description}}{{end}}</td>
<td style="padding: 4px 0; text-align: right;">×{{.Quantity}}</td>
</tr>{{end}}
</table>
<p style="margin: 0 0 8px; color: #1a1a1a; font-size: 15px;"><strong>Total : {{.TotalEur}} €</strong></p>
{{if .TrackingURL}}<p style="margin: 16px 0 0;">
<a href="{{.TrackingURL}}" style="display: inline-block; padding: 10px 24px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 14px;">Suivre ma commande</a>
</p>{{end}}
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

// OrderItem is one line of an order email.
type OrderItem struct {
	Reference   string
	Description string
	Quantity    int
}

// OrderConfirmationData holds template data for the buyer confirmation.
type OrderConfirmationData struct {
	StoreName   string
	Items       []OrderItem
	TotalEur    string
	TrackingURL string
}

// RenderOrderConfirmation renders the buyer confirmation email.
func RenderOrderConfirmation(data OrderConfirmationData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := orderConfirmationTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render order confirmation template: %w", err)
	}

	var tb strings.Builder
	fmt.Fprintf(&tb, "Merci pour votre commande chez %s !\n\n", data.StoreName)
	for _, it := range data.Items {
		if it.Description != "" {
			fmt.Fprintf(&tb, "- %s (%s) x%d\n", it.Reference, it.Description, it.Quantity)
		} else {
			fmt.Fprintf(&tb, "- %s x%d\n", it.Reference, it.Quantity)
		}
	}
	fmt.Fprintf(&tb, "\nTotal : %s EUR\n", data.TotalEur)
	if data.TrackingURL != "" {
		fmt.Fprintf(&tb, "Suivi : %s\n", data.TrackingURL)
	}
	return buf.String(), tb.String(), nil
}

var ownerNotificationTemplate = template.Must(template.New("owner_notification").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Nouvelle commande</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #1a1a1a;">
<h2 style="font-size: 20px;">Nouvelle commande sur {{.StoreName}}</h2>
<p style="color: #444; font-size: 15px;">Paiement {{.PaymentID}} — {{.TotalEur}} €</p>
<ul style="color: #444; font-size: 14px;">
{{range .Items}}<li>{{.Reference}}{{if .Description}} — {{.Description}}{{end}} ×{{.Quantity}}</li>{{end}}
</ul>
{{if .LabelURL}}<p><a href="{{.LabelURL}}">Télécharger l'étiquette d'expédition</a></p>{{end}}
{{if .PickupNote}}<p style="color: #444; font-size: 14px;">{{.PickupNote}}</p>{{end}}
</body>
</html>`))

// OwnerNotificationData holds template data for the seller notification.
type OwnerNotificationData struct {
	StoreName  string
	PaymentID  string
	TotalEur   string
	Items      []OrderItem
	LabelURL   string
	PickupNote string
}

// RenderOwnerNotification renders the seller new-order email.
func RenderOwnerNotification(data OwnerNotificationData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := ownerNotificationTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render owner notification template: %w", err)
	}

	var tb strings.Builder
	fmt.Fprintf(&tb, "Nouvelle commande sur %s\nPaiement %s — %s EUR\n\n", data.StoreName, data.PaymentID, data.TotalEur)
	for _, it := range data.Items {
		fmt.Fprintf(&tb, "- %s x%d\n", it.Reference, it.Quantity)
	}
	if data.LabelURL != "" {
		fmt.Fprintf(&tb, "\nEtiquette : %s\n", data.LabelURL)
	}
	return buf.String(), tb.String(), nil
}

var trackingUpdateTemplate = template.Must(template.New("tracking_update").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Suivi de commande</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #1a1a1a;">
<h2 style="font-size: 20px;">Votre commande avance</h2>
<p style="color: #444; font-size: 15px;">Nouveau statut : <strong>{{.Status}}</strong></p>
{{if .TrackingURL}}<p><a href="{{.TrackingURL}}">Suivre le colis</a></p>{{end}}
</body>
</html>`))

// TrackingUpdateData holds template data for the tracking email.
type TrackingUpdateData struct {
	Status      string
	TrackingURL string
}

// RenderTrackingUpdate renders the buyer tracking-update email.
func RenderTrackingUpdate(data TrackingUpdateData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := trackingUpdateTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render tracking update template: %w", err)
	}
	text = fmt.Sprintf("Votre commande avance.\nNouveau statut : %s\n", data.Status)
	if data.TrackingURL != "" {
		text += fmt.Sprintf("Suivi : %s\n", data.TrackingURL)
	}
	return buf.String(), text, nil
}

// RenderAdminAlert renders the plain-text operator alert sent when a
// multi-system write partially failed and needs manual reconciliation.
func RenderAdminAlert(subject, detail string, kv map[string]string) (text string) {
	var tb strings.Builder
	tb.WriteString(subject)
	tb.WriteString("\n\n")
	tb.WriteString(detail)
	tb.WriteString("\n")
	for k, v := range kv {
		fmt.Fprintf(&tb, "\n%s: %s", k, v)
	}
	tb.WriteString("\n")
	return tb.String()
}
