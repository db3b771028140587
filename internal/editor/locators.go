// internal/editor/locators.go
package editor

import "github.com/pinewright/pinewright/internal/browser"

// The editor frontend ships hashed class names that churn between deploys,
// so every element is described by an ordered list of selector alternatives:
// stable data attributes first, then aria roles, then the class fragments
// observed in recent builds.
var (
	editorToggle = browser.NewLocator("editor-toggle",
		`[data-name="scripteditor"]`,
		`button[aria-label="Open Pine Editor"]`,
		`div[data-name="pine-editor-tab"]`,
	)

	editorSurface = browser.NewLocator("editor-surface",
		`[data-name="pine-editor"] textarea.inputarea`,
		`.monaco-editor textarea.inputarea`,
		`[data-name="pine-editor"] .view-lines`,
	)

	compileButton = browser.NewLocator("compile-button",
		`[data-name="add-script-to-chart"]`,
		`button[aria-label="Add to chart"]`,
		`[data-name="pine-editor"] button[title*="Add to chart"]`,
	)

	consolePanel = browser.NewLocator("console-panel",
		`[data-name="console"] .messagesWrapper`,
		`[data-name="pine-console"]`,
		`.console-messages`,
	)

	errorRows = browser.NewLocator("error-rows",
		`[data-name="console"] [class*="error"]`,
		`[data-name="pine-console"] .message-error`,
		`.console-messages [class*="error"]`,
	)

	successMarker = browser.NewLocator("success-marker",
		`[data-name="console"] [class*="success"]`,
		`[data-name="pine-console"] .message-success`,
	)

	publishButton = browser.NewLocator("publish-button",
		`[data-name="publish-script"]`,
		`button[aria-label="Publish script"]`,
		`[data-name="pine-editor"] button[title*="Publish"]`,
	)

	publishDialog = browser.NewLocator("publish-dialog",
		`[data-name="publish-dialog"]`,
		`div[data-dialog-name*="Publish"]`,
		`.tv-dialog--popup [class*="publish"]`,
	)

	publishTitle = browser.NewLocator("publish-title",
		`[data-name="publish-dialog"] input[name="title"]`,
		`[data-name="publish-dialog"] input[type="text"]`,
		`div[data-dialog-name*="Publish"] input[type="text"]`,
	)

	publishDescription = browser.NewLocator("publish-description",
		`[data-name="publish-dialog"] [data-name="description"] [contenteditable]`,
		`[data-name="publish-dialog"] textarea`,
		`div[data-dialog-name*="Publish"] textarea`,
	)

	visibilityPrivate = browser.NewLocator("visibility-private",
		`[data-name="publish-dialog"] input[value="private"]`,
		`[data-name="publish-dialog"] [data-value="private"]`,
	)

	visibilityPublic = browser.NewLocator("visibility-public",
		`[data-name="publish-dialog"] input[value="public"]`,
		`[data-name="publish-dialog"] [data-value="public"]`,
	)

	publishSubmit = browser.NewLocator("publish-submit",
		`[data-name="publish-dialog"] button[data-name="submit"]`,
		`[data-name="publish-dialog"] button[type="submit"]`,
		`div[data-dialog-name*="Publish"] button[type="submit"]`,
	)

	publishedLink = browser.NewLocator("published-link",
		`[data-name="publish-dialog"] a[href*="/script/"]`,
		`a[href*="/script/"]`,
	)
)
