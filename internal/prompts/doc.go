// Package prompts contains the prompt text the turn controller sends to
// models and the templates it uses to render assistant messages.
//
// Prompt text is Go code rather than config because it is program
// logic: templates interpolate dynamic parts and are covered by tests.
// The operator-facing system prompt override lives in config.yaml.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the finished text.
package prompts
