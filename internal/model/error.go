package model

import "errors"

var ErrorAlreadyPaired = errors.New("already paired")
var ErrorInvalidKeyFormat = errors.New("invalid key format")
var ErrorInvalidPairKey = errors.New("invalid pair key")
var ErrorPairKeyUsed = errors.New("pair key already used")
var ErrorSelfPair = errors.New("cannot pair with yourself")
var ErrorPairKeyClaimed = errors.New("pair key was just claimed by someone else")
var ErrorCredentialRejected = errors.New("renewal token rejected")
var ErrorInvalidExportCode = errors.New("invalid identity code")
var ErrorNoIdentity = errors.New("no identity established")
