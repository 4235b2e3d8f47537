package push

import webpush "github.com/SherClockHolmes/webpush-go"

// GenerateVAPIDKeys returns a fresh base64url key pair for VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
