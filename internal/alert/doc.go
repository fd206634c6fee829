// Package alert defines the normalized alert event, the upstream payload
// normalizer and the notification payload republished for triggered alerts.
package alert
