// Package triage holds the field case model and the local, rule-based acuity
// classifier. Classify is pure; Classifier adds the lock that freezes automatic
// evaluation once a remote-derived level has been applied to the case.
package triage
