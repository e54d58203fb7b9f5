package encrypt

type Plan struct {
	Enabled   bool
	Recipient string
	Backend   Backend

	// Keyring is the public keyring file used by the openpgp backend.
	Keyring string
	// GPGBinary is the executable used by the gpg backend.
	GPGBinary string
}
