package raftpb

import "github.com/ugorji/go/codec"

var msgpackHandle codec.MsgpackHandle

func newEncoderBytes(out *[]byte) *codec.Encoder {
	return codec.NewEncoderBytes(out, &msgpackHandle)
}

func newDecoderBytes(in []byte) *codec.Decoder {
	return codec.NewDecoderBytes(in, &msgpackHandle)
}
