package dynamo

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"

	"github.com/rpattn/rowstage/internal/typedvalue"
)

// toAttributeValue maps each variant onto the DynamoDB attribute of the same
// shape.
func toAttributeValue(v typedvalue.Value) *dynamodb.AttributeValue {
	switch t := v.(type) {
	case nil, typedvalue.Null:
		return &dynamodb.AttributeValue{NULL: aws.Bool(true)}
	case typedvalue.Number:
		return &dynamodb.AttributeValue{N: aws.String(t.String())}
	case typedvalue.Bool:
		return &dynamodb.AttributeValue{BOOL: aws.Bool(bool(t))}
	case typedvalue.String:
		return &dynamodb.AttributeValue{S: aws.String(string(t))}
	case typedvalue.Map:
		m := make(map[string]*dynamodb.AttributeValue, len(t))
		for k, child := range t {
			m[k] = toAttributeValue(child)
		}
		return &dynamodb.AttributeValue{M: m}
	case typedvalue.List:
		l := make([]*dynamodb.AttributeValue, len(t))
		for i, child := range t {
			l[i] = toAttributeValue(child)
		}
		return &dynamodb.AttributeValue{L: l}
	case typedvalue.StringSet:
		return &dynamodb.AttributeValue{SS: aws.StringSlice([]string(t))}
	case typedvalue.NumberSet:
		ns := make([]*string, len(t))
		for i, n := range t {
			ns[i] = aws.String(n.String())
		}
		return &dynamodb.AttributeValue{NS: ns}
	case typedvalue.BinarySet:
		return &dynamodb.AttributeValue{BS: [][]byte(t)}
	default:
		panic(fmt.Sprintf("dynamo: unhandled value type %T", v))
	}
}

func fromAttributeValue(av *dynamodb.AttributeValue) (typedvalue.Value, error) {
	switch {
	case av == nil, av.NULL != nil:
		return typedvalue.Null{}, nil
	case av.N != nil:
		return typedvalue.NewNumber(*av.N)
	case av.BOOL != nil:
		return typedvalue.Bool(*av.BOOL), nil
	case av.S != nil:
		return typedvalue.String(*av.S), nil
	case av.M != nil:
		m := make(typedvalue.Map, len(av.M))
		for k, child := range av.M {
			v, err := fromAttributeValue(child)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case av.L != nil:
		l := make(typedvalue.List, len(av.L))
		for i, child := range av.L {
			v, err := fromAttributeValue(child)
			if err != nil {
				return nil, err
			}
			l[i] = v
		}
		return l, nil
	case av.SS != nil:
		return typedvalue.StringSet(aws.StringValueSlice(av.SS)), nil
	case av.NS != nil:
		ns := make(typedvalue.NumberSet, len(av.NS))
		for i, raw := range av.NS {
			n, err := typedvalue.NewNumber(aws.StringValue(raw))
			if err != nil {
				return nil, err
			}
			ns[i] = n
		}
		return ns, nil
	case av.BS != nil:
		return typedvalue.BinarySet(av.BS), nil
	case av.B != nil:
		return typedvalue.BinarySet{av.B}, nil
	}
	return nil, fmt.Errorf("dynamo: empty attribute value")
}

func toItem(item typedvalue.Item) map[string]*dynamodb.AttributeValue {
	out := make(map[string]*dynamodb.AttributeValue, len(item))
	for k, v := range item {
		out[k] = toAttributeValue(v)
	}
	return out
}

func fromItem(raw map[string]*dynamodb.AttributeValue) (typedvalue.Item, error) {
	item := make(typedvalue.Item, len(raw))
	for k, av := range raw {
		v, err := fromAttributeValue(av)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		item[k] = v
	}
	return item, nil
}
